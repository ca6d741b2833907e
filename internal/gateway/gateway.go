// Package gateway is the command/query surface of the verification engine.
// It owns the subject-id → orchestrator index, creates orchestrators on
// first use, forwards commands as signals and queries as synchronous reads,
// and routes verifier confirmations to the *target* subject's orchestrator.
// No business logic lives here.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/orchestrator"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/timers"
	"github.com/1withall/nabr/internal/verifier"
)

// Gateway-level rejections.
var (
	ErrTokenUnknown   = errors.New("gateway: token unknown")
	ErrTokenExpired   = errors.New("gateway: token expired")
	ErrVerifierDenied = errors.New("gateway: verifier denied")
)

// Gateway multiplexes callers onto per-subject orchestrators.
type Gateway struct {
	env *orchestrator.Env

	mu            sync.Mutex
	orchestrators map[string]*orchestratorEntry
	classes       map[string]core.SubjectClass

	sweepStop chan struct{}
	logger    *log.Logger
}

// orchestratorEntry rendezvouses concurrent first-commands on one instance.
type orchestratorEntry struct {
	once sync.Once
	orch *orchestrator.Orchestrator
	err  error
}

// New creates a gateway over the engine environment.
func New(env *orchestrator.Env) *Gateway {
	return &Gateway{
		env:           env,
		orchestrators: make(map[string]*orchestratorEntry),
		classes:       make(map[string]core.SubjectClass),
		logger:        log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// RegisterSubject pins a subject's class before its first command. Without
// it, first use defaults to Individual (and the journal record wins on
// rehydration).
func (g *Gateway) RegisterSubject(subjectID string, class core.SubjectClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.classes[subjectID] = class
}

// orchestratorFor returns the subject's orchestrator, creating it on first
// use. Concurrent first-commands for one subject rendezvous on a single
// instance via the entry's once.
func (g *Gateway) orchestratorFor(ctx context.Context, subjectID string) (*orchestrator.Orchestrator, error) {
	g.mu.Lock()
	entry, ok := g.orchestrators[subjectID]
	if !ok {
		entry = &orchestratorEntry{}
		g.orchestrators[subjectID] = entry
	}
	class, classKnown := g.classes[subjectID]
	g.mu.Unlock()

	entry.once.Do(func() {
		if !classKnown {
			class = core.ClassIndividual
		}
		entry.orch, entry.err = orchestrator.New(ctx, subjectID, class, g.env)
	})
	if entry.err != nil {
		// Creation failed (storage down, integrity halt); allow a later
		// retry to build a fresh instance.
		g.mu.Lock()
		if g.orchestrators[subjectID] == entry {
			delete(g.orchestrators, subjectID)
		}
		g.mu.Unlock()
		return nil, entry.err
	}
	return entry.orch, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// StartMethod forwards a StartMethod command.
func (g *Gateway) StartMethod(ctx context.Context, subjectID string, method core.Method, params map[string]interface{}, commandID string) (*orchestrator.StartMethodResult, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return o.StartMethod(ctx, method, params, commandID)
}

// VerifierConfirm resolves the token to its target subject and routes the
// confirmation into that subject's saga. The verifier is pre-screened here
// so obviously denied confirmations never reach the orchestrator.
func (g *Gateway) VerifierConfirm(ctx context.Context, token, verifierID string, evidence []byte, commandID string) (bool, error) {
	binding, err := g.env.Tokens.Get(ctx, token)
	if err != nil {
		if errors.Is(err, protocols.ErrTokenNotFound) {
			return false, ErrTokenUnknown
		}
		return false, err
	}
	now := g.now()
	if binding.Invalidated || now.After(binding.ExpiresAt) {
		return false, ErrTokenExpired
	}

	if denial := g.preScreenVerifier(ctx, verifierID, now); denial != nil {
		return false, fmt.Errorf("%w: %s", ErrVerifierDenied, denial.Reason)
	}

	o, err := g.orchestratorFor(ctx, binding.SubjectID)
	if err != nil {
		return false, err
	}
	return o.VerifierConfirm(ctx, token, verifierID, evidence, commandID)
}

// preScreenVerifier rejects confirmations whose verifier is obviously
// unauthorized. The saga re-validates at the validation step regardless.
func (g *Gateway) preScreenVerifier(ctx context.Context, verifierID string, now time.Time) *verifier.Denial {
	record, err := g.env.Verifiers.Get(ctx, verifierID)
	if err != nil {
		if errors.Is(err, verifier.ErrNotFound) {
			return &verifier.Denial{VerifierID: verifierID, Reason: verifier.DenyNotAVerifier}
		}
		return nil // storage hiccup: let the saga's validation decide
	}
	snap, err := g.env.Store.Snapshot(ctx, verifierID, now)
	if err != nil {
		return nil
	}
	return verifier.PreScreen(record, snap, now)
}

// CommunityAttest forwards an attestation to the target subject.
func (g *Gateway) CommunityAttest(ctx context.Context, subjectID, attestorID, text, commandID string) (bool, error) {
	return g.Attest(ctx, subjectID, core.MethodCommunityAttestation, attestorID, text, commandID)
}

// Attest forwards a reference/attestation for any attestation-kind method.
func (g *Gateway) Attest(ctx context.Context, subjectID string, method core.Method, attestorID, text, commandID string) (bool, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return o.CommunityAttest(ctx, method, attestorID, text, commandID)
}

// Revoke forwards a Revoke command.
func (g *Gateway) Revoke(ctx context.Context, subjectID string, method core.Method, reason, actorID, commandID string) (*orchestrator.RevokeResult, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return o.Revoke(ctx, method, reason, actorID, commandID)
}

// CancelMethod forwards a CancelMethod command.
func (g *Gateway) CancelMethod(ctx context.Context, subjectID string, method core.Method) error {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return err
	}
	return o.CancelMethod(ctx, method)
}

// Signal forwards a raw protocol signal (code entry, review decision).
func (g *Gateway) Signal(ctx context.Context, subjectID string, method core.Method, sig protocols.Signal) error {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return err
	}
	return o.Signal(ctx, method, sig)
}

// HandleExpiry routes a fired decay timer to its subject's orchestrator.
func (g *Gateway) HandleExpiry(fire timers.ExpiryFire) {
	ctx := context.Background()
	o, err := g.orchestratorFor(ctx, fire.SubjectID)
	if err != nil {
		g.logger.Printf("⚠️ Expiry fire dropped for %s: %v", fire.SubjectID, err)
		return
	}
	o.HandleExpiry(ctx, fire)
}

// =============================================================================
// QUERIES
// =============================================================================

// Score returns the subject's current trust score.
func (g *Gateway) Score(ctx context.Context, subjectID string) (int, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	return o.Score(ctx)
}

// Level returns the subject's current verification level.
func (g *Gateway) Level(ctx context.Context, subjectID string) (core.Level, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return core.LevelUnverified, err
	}
	return o.Level(ctx)
}

// CompletedMethods returns the per-method completion counts.
func (g *Gateway) CompletedMethods(ctx context.Context, subjectID string) (map[core.Method]int, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return o.CompletedMethods(ctx)
}

// NextLevel returns the gap to the next band with suggested paths.
func (g *Gateway) NextLevel(ctx context.Context, subjectID string) (scoring.NextLevel, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return scoring.NextLevel{}, err
	}
	return o.NextLevel(ctx)
}

// MethodStatus returns one method's standing for the subject.
func (g *Gateway) MethodStatus(ctx context.Context, subjectID string, method core.Method) (*orchestrator.MethodStatus, error) {
	o, err := g.orchestratorFor(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return o.Method(ctx, method)
}

// StuckRuns lists compensation-incomplete runs across all live subjects.
func (g *Gateway) StuckRuns() map[string][]orchestrator.StuckRun {
	g.mu.Lock()
	entries := make(map[string]*orchestratorEntry, len(g.orchestrators))
	for id, e := range g.orchestrators {
		entries[id] = e
	}
	g.mu.Unlock()

	out := make(map[string][]orchestrator.StuckRun)
	for id, e := range entries {
		if e.orch == nil {
			continue
		}
		if stuck := e.orch.StuckRuns(); len(stuck) > 0 {
			out[id] = stuck
		}
	}
	return out
}

// =============================================================================
// BACKGROUND SWEEP
// =============================================================================

// StartSweeper runs the periodic expiry backstop until StopSweeper.
func (g *Gateway) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	g.sweepStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sweepAll()
			case <-g.sweepStop:
				return
			}
		}
	}()
	g.logger.Printf("Started expiry sweeper (interval=%s)", interval)
}

// StopSweeper stops the periodic sweep.
func (g *Gateway) StopSweeper() {
	if g.sweepStop != nil {
		close(g.sweepStop)
		g.sweepStop = nil
	}
}

func (g *Gateway) sweepAll() {
	ctx := context.Background()
	g.mu.Lock()
	entries := make([]*orchestratorEntry, 0, len(g.orchestrators))
	for _, e := range g.orchestrators {
		entries = append(entries, e)
	}
	g.mu.Unlock()

	for _, e := range entries {
		if e.orch != nil {
			e.orch.Sweep(ctx)
		}
	}
}

// Shutdown cancels every live orchestrator's children.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.StopSweeper()
	g.mu.Lock()
	entries := make([]*orchestratorEntry, 0, len(g.orchestrators))
	for _, e := range g.orchestrators {
		entries = append(entries, e)
	}
	g.mu.Unlock()

	for _, e := range entries {
		if e.orch != nil {
			e.orch.Shutdown(ctx)
		}
	}
}

func (g *Gateway) now() time.Time {
	if g.env.Clock != nil {
		return g.env.Clock()
	}
	return time.Now().UTC()
}
