package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/events"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/scoring"
)

// StartMethodResult acknowledges a StartMethod command.
type StartMethodResult struct {
	ProtocolRunID string `json:"protocol_run_id"`
}

// StartMethod spawns the child protocol for a method. Idempotent by
// commandID: a replay returns the original run id without re-spawning or
// re-delivering anything.
func (o *Orchestrator) StartMethod(ctx context.Context, method core.Method, params map[string]interface{}, commandID string) (*StartMethodResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prior, ok := o.commands[commandID]; ok && commandID != "" {
		return &StartMethodResult{ProtocolRunID: prior.RunID}, nil
	}

	model := o.env.Store.Model()
	policy := model.Policy(method)
	if !policy.AppliesTo(o.class) {
		return nil, ErrMethodNotApplicable
	}
	if _, running := o.active[method]; running {
		return nil, ErrAlreadyActive
	}

	now := o.env.now()
	snap, err := o.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if model.CountValid(snap.Completions[method], now) >= policy.MaxMultiplier {
		return nil, ErrAlreadyMaxed
	}

	deadline := o.deadlineFor(policy.Protocol, now)
	p, err := protocols.New(policy.Protocol, o.subjectID, method, params, deadline, o.protocolDeps())
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	run := p.Run()
	data := map[string]interface{}{
		"command_id": commandID,
		"class":      string(o.class),
		"deadline":   run.Deadline.Format(time.RFC3339Nano),
		"params":     run.Params,
	}
	if _, err := o.appendEvent(ctx, core.VerificationEvent{
		At:            now,
		Kind:          core.EventMethodStarted,
		Method:        method,
		ProtocolRunID: run.ID,
		Data:          data,
	}); err != nil {
		p.Cancel(ctx)
		return nil, err
	}

	o.active[method] = p
	if commandID != "" {
		o.commands[commandID] = commandOutcome{RunID: run.ID, Accepted: true}
	}
	go o.watchOutcome(p)

	if o.env.Metrics != nil {
		o.env.Metrics.ActiveProtocols.WithLabelValues(string(method)).Inc()
	}
	if o.env.Bus != nil {
		o.env.Bus.Emit(events.TypeMethodStarted, "/verification", o.subjectID, map[string]interface{}{
			"method": string(method), "protocol_run_id": run.ID,
		})
	}

	return &StartMethodResult{ProtocolRunID: run.ID}, nil
}

func (o *Orchestrator) deadlineFor(kind scoring.ProtocolKind, now time.Time) time.Time {
	switch kind {
	case scoring.ProtocolCodeChallenge:
		return now.Add(protocols.DefaultCodeTTL)
	case scoring.ProtocolHumanReview:
		return now.Add(protocols.DefaultReviewWindow)
	default:
		return now.Add(protocols.DefaultTwoPartyWindow)
	}
}

// Signal forwards a method-specific signal into the matching active run.
func (o *Orchestrator) Signal(ctx context.Context, method core.Method, sig protocols.Signal) error {
	o.mu.Lock()
	p, ok := o.active[method]
	o.mu.Unlock()
	if !ok {
		return ErrNoActiveRun
	}
	return p.Deliver(ctx, sig)
}

// VerifierConfirm routes a two-party confirmation into the saga.
func (o *Orchestrator) VerifierConfirm(ctx context.Context, token, verifierID string, evidence []byte, commandID string) (bool, error) {
	o.mu.Lock()
	if prior, ok := o.commands[commandID]; ok && commandID != "" {
		o.mu.Unlock()
		return prior.Accepted, nil
	}
	p, ok := o.active[core.MethodTwoPartyInPerson]
	o.mu.Unlock()
	if !ok {
		return false, ErrNoActiveRun
	}

	err := p.Deliver(ctx, protocols.VerifierConfirmation{
		Token:      token,
		VerifierID: verifierID,
		Evidence:   evidence,
	})
	accepted := err == nil

	o.mu.Lock()
	if commandID != "" {
		o.commands[commandID] = commandOutcome{Accepted: accepted}
	}
	o.mu.Unlock()
	return accepted, err
}

// CommunityAttest receives an attestation for the subject. The intake
// protocol is started on demand; the multiplier and duplicate-attestor rules
// are enforced here.
func (o *Orchestrator) CommunityAttest(ctx context.Context, method core.Method, attestorID, text, commandID string) (bool, error) {
	o.mu.Lock()
	if prior, ok := o.commands[commandID]; ok && commandID != "" {
		o.mu.Unlock()
		return prior.Accepted, nil
	}
	if o.attested[method][attestorID] {
		o.mu.Unlock()
		return false, ErrAlreadyAttested
	}
	o.mu.Unlock()

	model := o.env.Store.Model()
	if model.Policy(method).Protocol != scoring.ProtocolAttestation {
		return false, ErrMethodNotApplicable
	}

	startCmd := ""
	if commandID != "" {
		startCmd = commandID + "/start"
	}
	if _, err := o.StartMethod(ctx, method, nil, startCmd); err != nil &&
		err != ErrAlreadyActive {
		return false, err
	}

	err := o.Signal(ctx, method, protocols.Attestation{AttestorID: attestorID, Text: text})
	accepted := err == nil

	o.mu.Lock()
	if commandID != "" {
		o.commands[commandID] = commandOutcome{Accepted: accepted}
	}
	o.mu.Unlock()
	return accepted, err
}

// RevokeResult acknowledges a Revoke command with the post-revocation level.
type RevokeResult struct {
	NewLevel core.Level `json:"new_level"`
}

// Revoke voids a completion (or cancels the active run) for a method.
func (o *Orchestrator) Revoke(ctx context.Context, method core.Method, reason, actorID, commandID string) (*RevokeResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prior, ok := o.commands[commandID]; ok && commandID != "" {
		return &RevokeResult{NewLevel: prior.NewLevel}, nil
	}

	now := o.env.now()
	snap, err := o.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hasCompletion := false
	for _, c := range snap.Completions[method] {
		if c.RevokedAt == nil && !scoring.IsExpired(c, now) {
			hasCompletion = true
			break
		}
	}
	active, hasRun := o.active[method]
	if !hasCompletion && !hasRun {
		return nil, ErrNothingToRevoke
	}

	if hasRun {
		active.Cancel(ctx)
	}

	if _, err := o.appendEvent(ctx, core.VerificationEvent{
		At:             now,
		Kind:           core.EventMethodRevoked,
		Method:         method,
		ActorSubjectID: actorID,
		Data:           map[string]interface{}{"reason": reason, "command_id": commandID},
	}); err != nil {
		return nil, err
	}

	if o.env.Bus != nil {
		o.env.Bus.Emit(events.TypeMethodRevoked, "/verification", o.subjectID, map[string]interface{}{
			"method": string(method), "reason": reason,
		})
	}

	o.checkLevel(ctx)

	newSnap, err := o.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if commandID != "" {
		o.commands[commandID] = commandOutcome{NewLevel: newSnap.Level, Accepted: true}
	}
	return &RevokeResult{NewLevel: newSnap.Level}, nil
}

// CancelMethod cancels the active protocol for a method.
func (o *Orchestrator) CancelMethod(ctx context.Context, method core.Method) error {
	o.mu.Lock()
	p, ok := o.active[method]
	o.mu.Unlock()
	if !ok {
		return ErrNoActiveRun
	}
	p.Cancel(ctx)
	return nil
}

// =============================================================================
// QUERIES — synchronous reads of the derived snapshot
// =============================================================================

// Score returns the subject's current trust score.
func (o *Orchestrator) Score(ctx context.Context) (int, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Score, nil
}

// Level returns the subject's current verification level.
func (o *Orchestrator) Level(ctx context.Context) (core.Level, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return core.LevelUnverified, err
	}
	return snap.Level, nil
}

// CompletedMethods returns the non-revoked, non-expired completion count per
// method.
func (o *Orchestrator) CompletedMethods(ctx context.Context) (map[core.Method]int, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	model := o.env.Store.Model()
	now := o.env.now()
	out := make(map[core.Method]int)
	for method, cs := range snap.Completions {
		if n := model.CountValid(cs, now); n > 0 {
			out[method] = n
		}
	}
	return out, nil
}

// NextLevel returns the gap to the next band and suggested method paths.
func (o *Orchestrator) NextLevel(ctx context.Context) (scoring.NextLevel, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return scoring.NextLevel{}, err
	}
	return o.env.Store.Model().NextLevelFor(snap.Completions, o.class, o.env.now()), nil
}

// MethodStatus describes one method's standing for the subject.
type MethodStatus struct {
	CompletedCount int           `json:"completed_count"`
	ActiveState    core.RunState `json:"active_state,omitempty"`
	NextExpiry     *time.Time    `json:"next_expiry,omitempty"`
}

// Method returns the per-method status view.
func (o *Orchestrator) Method(ctx context.Context, method core.Method) (*MethodStatus, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := o.env.now()
	model := o.env.Store.Model()

	status := &MethodStatus{CompletedCount: model.CountValid(snap.Completions[method], now)}

	o.mu.Lock()
	if p, ok := o.active[method]; ok {
		status.ActiveState = p.Run().State
	}
	o.mu.Unlock()

	for _, c := range snap.Completions[method] {
		if c.RevokedAt != nil || c.ExpiresAt == nil || scoring.IsExpired(c, now) {
			continue
		}
		if status.NextExpiry == nil || c.ExpiresAt.Before(*status.NextExpiry) {
			exp := *c.ExpiresAt
			status.NextExpiry = &exp
		}
	}
	return status, nil
}
