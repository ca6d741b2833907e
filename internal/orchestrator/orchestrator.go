// Package orchestrator implements the long-running per-subject verification
// state machine. One orchestrator per subject: it owns the snapshot, spawns
// and cancels child protocols, folds their results into the journal,
// re-derives the score and level, and serves queries. It rehydrates from the
// journal on restart; invariants hold across crashes because the journal is
// the only authoritative state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/events"
	"github.com/1withall/nabr/internal/journal"
	"github.com/1withall/nabr/internal/monitoring"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/timers"
	"github.com/1withall/nabr/internal/verifier"
)

// Command rejection errors. These are caller errors: no journal write happens.
var (
	ErrMethodNotApplicable = errors.New("orchestrator: method not applicable to subject class")
	ErrAlreadyActive       = errors.New("orchestrator: method already has an active protocol")
	ErrAlreadyMaxed        = errors.New("orchestrator: method already at max multiplier")
	ErrNoActiveRun         = errors.New("orchestrator: no active protocol for method")
	ErrNothingToRevoke     = errors.New("orchestrator: nothing to revoke")
	ErrAlreadyAttested     = errors.New("orchestrator: attestor already attested for this method")
	ErrUnavailable         = errors.New("orchestrator: temporarily unavailable")
)

// Env carries the collaborator handles shared by all orchestrators in the
// engine. Constructed once at startup; no global state.
type Env struct {
	Store     *journal.Store
	Verifiers verifier.Store
	Notifier  collab.Notifier
	Bus       events.EventEmitter
	Scheduler timers.Scheduler

	CodeSender  collab.CodeSender
	ReviewQueue collab.ReviewQueue
	Tokens      protocols.TokenStore

	Metrics *monitoring.Metrics
	Retry   collab.RetryPolicy
	Clock   func() time.Time

	// CheckpointEveryN appends a compaction marker after this many events.
	CheckpointEveryN int
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

// commandOutcome is the recorded result of an idempotent command.
type commandOutcome struct {
	RunID    string
	NewLevel core.Level
	Accepted bool
}

// StuckRun surfaces a saga whose compensation could not complete.
type StuckRun struct {
	RunID  string      `json:"run_id"`
	Method core.Method `json:"method"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// Orchestrator is the per-subject actor. All state mutations are serialized
// behind mu; journal appends are additionally serialized behind appendMu so
// compensation callbacks firing from timer goroutines never race a command.
type Orchestrator struct {
	subjectID string
	class     core.SubjectClass
	env       *Env

	mu        sync.Mutex
	active    map[core.Method]protocols.Protocol
	commands  map[string]commandOutcome // command_id -> recorded outcome
	attested  map[core.Method]map[string]bool
	swept     map[string]bool // expiry fires already journaled
	stuck     []StuckRun
	lastLevel core.Level

	appendMu sync.Mutex

	logger *log.Logger
}

// New creates (or rehydrates) the orchestrator for a subject. The class is
// only authoritative on first use; afterwards the journal's record wins.
func New(ctx context.Context, subjectID string, class core.SubjectClass, env *Env) (*Orchestrator, error) {
	o := &Orchestrator{
		subjectID: subjectID,
		class:     class,
		env:       env,
		active:    make(map[core.Method]protocols.Protocol),
		commands:  make(map[string]commandOutcome),
		attested:  make(map[core.Method]map[string]bool),
		swept:     make(map[string]bool),
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
	}
	if err := o.rehydrate(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// SubjectID returns the subject this orchestrator serves.
func (o *Orchestrator) SubjectID() string {
	return o.subjectID
}

// protocolDeps builds the dependency set handed to child protocols. The
// record/revoke callbacks close over the orchestrator's append path so saga
// side effects land in this subject's journal.
func (o *Orchestrator) protocolDeps() protocols.Deps {
	return protocols.Deps{
		CodeSender:  o.env.CodeSender,
		ReviewQueue: o.env.ReviewQueue,
		Tokens:      o.env.Tokens,
		Retry:       o.env.Retry,
		Clock:       o.env.Clock,
		Authorize:   o.authorizeVerifier,
		Record:      o.recordConfirmation,
		Revoke:      o.revokeConfirmation,
	}
}

// authorizeVerifier applies the ordered policy rules over the verifier's
// record and own snapshot. Attestation-style methods use the lighter
// attestor rule.
func (o *Orchestrator) authorizeVerifier(ctx context.Context, verifierID string, method core.Method, now time.Time) (*verifier.Authorization, *verifier.Denial, error) {
	snap, err := o.env.Store.Snapshot(ctx, verifierID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("verifier snapshot: %w", err)
	}

	if o.env.Store.Model().Policy(method).Protocol == scoring.ProtocolAttestation {
		if denial := verifier.AuthorizeAttestor(verifierID, snap); denial != nil {
			return nil, denial, nil
		}
		return &verifier.Authorization{VerifierID: verifierID}, nil, nil
	}

	record, err := o.env.Verifiers.Get(ctx, verifierID)
	if err != nil && !errors.Is(err, verifier.ErrNotFound) {
		return nil, nil, fmt.Errorf("verifier record: %w", err)
	}
	auth, denial := verifier.Authorize(record, snap, method, now)
	return auth, denial, nil
}

// recordConfirmation is the two-party saga's record step, run as each
// confirmation arrives: a durable verifier_confirmed event plus the
// verifier's counter increment.
func (o *Orchestrator) recordConfirmation(ctx context.Context, runID, verifierID string, evidence []byte) error {
	_, err := o.appendEvent(ctx, core.VerificationEvent{
		At:             o.env.now(),
		Kind:           core.EventVerifierConfirmed,
		Method:         core.MethodTwoPartyInPerson,
		ActorSubjectID: verifierID,
		ProtocolRunID:  runID,
		Data:           map[string]interface{}{"evidence_ref": evidence},
	})
	if err != nil {
		return err
	}
	_, err = o.env.Verifiers.IncrementConfirmations(ctx, verifierID, 1)
	return err
}

// revokeConfirmation is recordConfirmation's compensation.
func (o *Orchestrator) revokeConfirmation(ctx context.Context, runID, verifierID string, evidence []byte) error {
	_, err := o.appendEvent(ctx, core.VerificationEvent{
		At:             o.env.now(),
		Kind:           core.EventVerifierConfRevoked,
		Method:         core.MethodTwoPartyInPerson,
		ActorSubjectID: verifierID,
		ProtocolRunID:  runID,
	})
	if err != nil {
		return err
	}
	if _, err := o.env.Verifiers.IncrementConfirmations(ctx, verifierID, -1); err != nil {
		return err
	}
	// The verifier learns their confirmation was unwound.
	return o.env.Notifier.Deliver(ctx, verifierID, "verifier_confirmation_revoked", map[string]interface{}{
		"subject_id":      o.subjectID,
		"protocol_run_id": runID,
	})
}

// appendEvent writes one event with the expected-seq check, retrying
// conflicts with a fresh read and storage errors with backoff. Safe from any
// goroutine; appendMu keeps this subject's appends serial.
func (o *Orchestrator) appendEvent(ctx context.Context, ev core.VerificationEvent) (int64, error) {
	o.appendMu.Lock()
	defer o.appendMu.Unlock()

	if o.env.Metrics != nil {
		o.env.Metrics.JournalAppends.WithLabelValues(string(ev.Kind)).Inc()
	}

	var seq int64
	err := collab.Retry(ctx, o.env.Retry, func() error {
		last, err := o.env.Store.LastSeq(ctx, o.subjectID)
		if err != nil {
			return err
		}
		seq, err = o.env.Store.Append(ctx, o.subjectID, last, ev)
		if errors.Is(err, journal.ErrConflict) && o.env.Metrics != nil {
			o.env.Metrics.JournalConflicts.Inc()
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return seq, nil
}

// snapshot returns the current derived state.
func (o *Orchestrator) snapshot(ctx context.Context) (*core.SubjectSnapshot, error) {
	return o.env.Store.Snapshot(ctx, o.subjectID, o.env.now())
}

// checkLevel compares the last observed level against the fresh snapshot,
// appending level_changed and dispatching exactly one notification when a
// threshold was crossed. Caller must hold o.mu.
func (o *Orchestrator) checkLevel(ctx context.Context) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		o.logger.Printf("⚠️ Level check skipped for %s: %v", o.subjectID, err)
		return
	}
	if snap.Level == o.lastLevel {
		return
	}

	oldLevel := o.lastLevel
	o.lastLevel = snap.Level

	if _, err := o.appendEvent(ctx, core.VerificationEvent{
		At:   o.env.now(),
		Kind: core.EventLevelChanged,
		Data: map[string]interface{}{
			"old_level": oldLevel.String(),
			"new_level": snap.Level.String(),
			"score":     snap.Score,
		},
	}); err != nil {
		// The causal event committed but the level marker did not; restore
		// lastLevel so the next pass retries.
		o.lastLevel = oldLevel
		o.logger.Printf("❌ level_changed append failed for %s: %v", o.subjectID, err)
		return
	}

	direction := "up"
	if snap.Level < oldLevel {
		direction = "down"
	}
	if o.env.Metrics != nil {
		o.env.Metrics.LevelChanges.WithLabelValues(direction).Inc()
	}

	payload := map[string]interface{}{
		"old_level": oldLevel.String(),
		"new_level": snap.Level.String(),
		"score":     snap.Score,
	}
	if o.env.Bus != nil {
		o.env.Bus.Emit(events.TypeLevelChanged, "/verification", o.subjectID, payload)
	}
	if err := o.env.Notifier.Deliver(ctx, o.subjectID, "level_changed", payload); err != nil {
		o.logger.Printf("⚠️ Level notification failed for %s: %v", o.subjectID, err)
	}

	o.logger.Printf("📈 Subject %s level %s → %s (score %d)", o.subjectID, oldLevel, snap.Level, snap.Score)
}

// maybeCheckpoint appends a compaction marker once enough events accumulated
// since the last one. Caller must hold o.mu.
func (o *Orchestrator) maybeCheckpoint(ctx context.Context) {
	n := o.env.CheckpointEveryN
	if n <= 0 {
		return
	}
	snap, err := o.snapshot(ctx)
	if err != nil {
		return
	}
	if snap.LastSeq == 0 || snap.LastSeq%int64(n) != 0 {
		return
	}
	if _, err := o.appendEvent(ctx, core.VerificationEvent{
		At:   o.env.now(),
		Kind: core.EventSnapshotRebuilt,
		Data: journal.EncodeCheckpoint(snap),
	}); err != nil {
		o.logger.Printf("⚠️ Checkpoint append failed for %s: %v", o.subjectID, err)
	}
}

// watchOutcome consumes a child protocol's terminal result.
func (o *Orchestrator) watchOutcome(p protocols.Protocol) {
	out := <-p.Outcome()
	o.handleOutcome(context.Background(), out)
}

// handleOutcome folds a child's terminal event into the journal, re-derives
// the level, schedules decay, and frees the method slot.
func (o *Orchestrator) handleOutcome(ctx context.Context, out protocols.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cur, ok := o.active[out.Method]; ok && cur.Run().ID == out.RunID {
		delete(o.active, out.Method)
		if o.env.Metrics != nil {
			o.env.Metrics.ActiveProtocols.WithLabelValues(string(out.Method)).Dec()
		}
	}
	if o.env.Metrics != nil {
		o.env.Metrics.ProtocolOutcomes.WithLabelValues(string(out.Method), string(out.State)).Inc()
	}

	switch out.State {
	case core.RunCompleted:
		o.handleCompleted(ctx, out)
	case core.RunFailed, core.RunCancelled:
		reason := out.FailReason
		if reason == "" {
			reason = string(out.State)
		}
		if reason == "compensation_incomplete" {
			o.recordStuck(ctx, out)
		}
		if _, err := o.appendEvent(ctx, core.VerificationEvent{
			At:            o.env.now(),
			Kind:          core.EventMethodFailed,
			Method:        out.Method,
			ProtocolRunID: out.RunID,
			Data:          map[string]interface{}{"reason": reason},
		}); err != nil {
			o.logger.Printf("❌ method_failed append failed for %s/%s: %v", o.subjectID, out.Method, err)
			return
		}
		if o.env.Bus != nil {
			o.env.Bus.Emit(events.TypeMethodFailed, "/verification", o.subjectID, map[string]interface{}{
				"method": string(out.Method), "reason": reason,
			})
		}
	}
}

func (o *Orchestrator) handleCompleted(ctx context.Context, out protocols.Outcome) {
	now := o.env.now()
	model := o.env.Store.Model()

	snap, err := o.snapshot(ctx)
	if err != nil {
		o.logger.Printf("❌ Completion fold failed for %s/%s: %v", o.subjectID, out.Method, err)
		return
	}
	seqIndex := len(snap.Completions[out.Method]) + 1

	data := map[string]interface{}{"sequence_index": seqIndex}
	for k, v := range out.Evidence {
		data[k] = v
	}
	if out.EvidenceRef != nil {
		data["evidence_ref"] = out.EvidenceRef
	}
	var expiresAt *time.Time
	if exp := model.ExpiresAt(out.Method, now); exp != nil {
		expiresAt = exp
		data["expires_at"] = exp.Format(time.RFC3339Nano)
	}

	// Attestations get their audit entry before the completion lands.
	if attestor, ok := out.Evidence["attestor_id"].(string); ok {
		o.rememberAttestor(out.Method, attestor)
		if _, err := o.appendEvent(ctx, core.VerificationEvent{
			At:             now,
			Kind:           core.EventAttestationReceived,
			Method:         out.Method,
			ActorSubjectID: attestor,
			ProtocolRunID:  out.RunID,
			Data:           map[string]interface{}{"attestation_hash": out.Evidence["attestation_hash"]},
		}); err != nil {
			o.logger.Printf("❌ attestation_received append failed: %v", err)
			return
		}
	}

	if _, err := o.appendEvent(ctx, core.VerificationEvent{
		At:            now,
		Kind:          core.EventMethodCompleted,
		Method:        out.Method,
		ProtocolRunID: out.RunID,
		Data:          data,
	}); err != nil {
		o.logger.Printf("❌ method_completed append failed for %s/%s: %v", o.subjectID, out.Method, err)
		return
	}

	if o.env.Bus != nil {
		o.env.Bus.Emit(events.TypeMethodCompleted, "/verification", o.subjectID, map[string]interface{}{
			"method": string(out.Method), "sequence_index": seqIndex,
		})
	}

	if expiresAt != nil && o.env.Scheduler != nil {
		if err := o.env.Scheduler.Schedule(ctx, timers.ExpiryFire{
			SubjectID: o.subjectID,
			Method:    out.Method,
			ExpiresAt: *expiresAt,
		}); err != nil {
			o.logger.Printf("⚠️ Expiry timer scheduling failed for %s/%s: %v", o.subjectID, out.Method, err)
		}
	}

	o.checkLevel(ctx)
	o.maybeCheckpoint(ctx)
}

func (o *Orchestrator) recordStuck(ctx context.Context, out protocols.Outcome) {
	o.stuck = append(o.stuck, StuckRun{
		RunID:  out.RunID,
		Method: out.Method,
		Reason: "compensation_incomplete",
		At:     o.env.now(),
	})
	if o.env.Metrics != nil {
		o.env.Metrics.SagaCompensations.WithLabelValues("incomplete").Inc()
	}
	if o.env.Bus != nil {
		o.env.Bus.Emit(events.TypeOperatorAlert, "/verification", o.subjectID, map[string]interface{}{
			"run_id": out.RunID,
			"method": string(out.Method),
			"alert":  "compensation_incomplete",
		})
	}
}

func (o *Orchestrator) rememberAttestor(method core.Method, attestor string) {
	if o.attested[method] == nil {
		o.attested[method] = make(map[string]bool)
	}
	o.attested[method][attestor] = true
}

// HandleExpiry processes a fired decay timer: journal the expiry, re-derive
// the level (which may drop), and notify. Delivery is at-least-once, so the
// journal is consulted before anything is written.
func (o *Orchestrator) HandleExpiry(ctx context.Context, fire timers.ExpiryFire) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := string(fire.Method) + "/" + fire.ExpiresAt.UTC().Format(time.RFC3339Nano)
	if o.swept[key] {
		return
	}
	if o.env.now().Before(fire.ExpiresAt) || o.env.now().Equal(fire.ExpiresAt) {
		// Fired early; the completion is still inclusive-valid.
		return
	}

	snap, err := o.snapshot(ctx)
	if err != nil {
		o.logger.Printf("⚠️ Expiry fold failed for %s: %v", o.subjectID, err)
		return
	}
	matched := false
	for _, c := range snap.Completions[fire.Method] {
		if c.RevokedAt == nil && c.ExpiresAt != nil && c.ExpiresAt.Equal(fire.ExpiresAt) {
			matched = true
			break
		}
	}
	if !matched {
		o.swept[key] = true
		return
	}

	if _, err := o.appendEvent(ctx, core.VerificationEvent{
		At:     o.env.now(),
		Kind:   core.EventMethodExpired,
		Method: fire.Method,
		Data:   map[string]interface{}{"expires_at": fire.ExpiresAt.Format(time.RFC3339Nano)},
	}); err != nil {
		o.logger.Printf("❌ method_expired append failed for %s/%s: %v", o.subjectID, fire.Method, err)
		return
	}
	o.swept[key] = true
	if o.env.Metrics != nil {
		o.env.Metrics.ExpirySweeps.Inc()
	}
	if o.env.Bus != nil {
		o.env.Bus.Emit(events.TypeMethodExpired, "/verification", o.subjectID, map[string]interface{}{
			"method": string(fire.Method),
		})
	}

	o.checkLevel(ctx)
}

// Sweep re-checks every live completion for missed expiries. The periodic
// sweep backstops in-memory timers lost to a restart.
func (o *Orchestrator) Sweep(ctx context.Context) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return
	}
	now := o.env.now()
	for method, cs := range snap.Completions {
		for _, c := range cs {
			if c.RevokedAt == nil && c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
				o.HandleExpiry(ctx, timers.ExpiryFire{
					SubjectID: o.subjectID,
					Method:    method,
					ExpiresAt: *c.ExpiresAt,
				})
			}
		}
	}
}

// StuckRuns returns protocol runs wedged in compensation-incomplete.
func (o *Orchestrator) StuckRuns() []StuckRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]StuckRun, len(o.stuck))
	copy(out, o.stuck)
	return out
}

// Shutdown cancels all active child protocols (subject deletion or process
// drain). Each child runs its compensation to completion first.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	children := make([]protocols.Protocol, 0, len(o.active))
	for _, p := range o.active {
		children = append(children, p)
	}
	o.mu.Unlock()

	for _, p := range children {
		p.Cancel(ctx)
	}
}
