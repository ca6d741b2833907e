// Package protocols implements the child verification protocols: the code
// challenge (email/phone), the two-party in-person saga, the human-review
// wait, and attestation intake. Each protocol is a self-contained state
// machine with its own timeouts, signals, and compensation; the per-subject
// orchestrator owns spawning them and consuming their outcomes.
package protocols

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/verifier"
)

// Signal errors surfaced to callers.
var (
	ErrTokenUnknown   = errors.New("protocols: token unknown")
	ErrTokenExpired   = errors.New("protocols: token expired")
	ErrNotWaiting     = errors.New("protocols: protocol not accepting this signal")
	ErrWrongSignal    = errors.New("protocols: signal not understood by this protocol")
	ErrAttestorDenied = errors.New("protocols: attestor denied")
)

// Signal is a method-specific input into a running protocol.
type Signal interface{ isSignal() }

// CodeEntered carries a challenge-code attempt.
type CodeEntered struct {
	Code string
}

// VerifierConfirmation is one half of the two-party in-person protocol.
type VerifierConfirmation struct {
	Token      string
	VerifierID string
	Evidence   []byte
}

// ReviewDecision resolves a human-review wait.
type ReviewDecision struct {
	Approved bool
	Reason   string
}

// Attestation is a reference or community attestation from another subject.
type Attestation struct {
	AttestorID string
	Text       string
}

func (CodeEntered) isSignal()          {}
func (VerifierConfirmation) isSignal() {}
func (ReviewDecision) isSignal()       {}
func (Attestation) isSignal()          {}

// Outcome is a protocol's terminal result. Emitted exactly once.
type Outcome struct {
	RunID       string
	Method      core.Method
	State       core.RunState // RunCompleted, RunFailed, or RunCancelled
	EvidenceRef []byte
	Evidence    map[string]interface{}
	FailReason  string
}

// Protocol is the capability set shared by every child protocol.
type Protocol interface {
	// Run returns the current run record (id, state, deadline).
	Run() *core.ProtocolRun

	// Start kicks off the protocol's first forward step and arms its deadline.
	Start(ctx context.Context) error

	// Deliver feeds a signal in. Duplicate signals are idempotent; a nil
	// error means the signal was accepted (or was a harmless duplicate).
	Deliver(ctx context.Context, sig Signal) error

	// Cancel aborts the protocol; compensation runs before the outcome is
	// emitted as Cancelled.
	Cancel(ctx context.Context)

	// Outcome yields the terminal result exactly once.
	Outcome() <-chan Outcome
}

// AuthorizeFunc resolves a verifier's current policy decision. Provided by
// the orchestration layer, which can read the verifier's record and snapshot.
type AuthorizeFunc func(ctx context.Context, verifierID string, method core.Method, now time.Time) (*verifier.Authorization, *verifier.Denial, error)

// RecorderFunc durably records a verifier confirmation (journal append plus
// counter increment) before the saga awards the completion. The paired
// revoke function is its compensation.
type RecorderFunc func(ctx context.Context, runID, verifierID string, evidence []byte) error

// Deps carries the collaborator handles a protocol may need. Orchestrators
// construct one per subject.
type Deps struct {
	CodeSender  collab.CodeSender
	ReviewQueue collab.ReviewQueue
	Tokens      TokenStore
	Authorize   AuthorizeFunc
	Record      RecorderFunc
	Revoke      RecorderFunc
	Retry       collab.RetryPolicy
	Clock       func() time.Time
	Logger      *log.Logger
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func (d *Deps) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.New(log.Writer(), "[PROTOCOL] ", log.LstdFlags)
}

// Defaults per protocol family.
const (
	DefaultCodeTTL        = 30 * time.Minute
	DefaultCodeAttempts   = 5
	DefaultTwoPartyWindow = 72 * time.Hour
	DefaultReviewWindow   = 30 * 24 * time.Hour
)

// New builds the protocol for a method from the static policy table. Params
// are method-specific (delivery target, document reference).
func New(kind scoring.ProtocolKind, subjectID string, method core.Method, params map[string]interface{}, deadline time.Time, deps Deps) (Protocol, error) {
	run := &core.ProtocolRun{
		ID:        uuid.New().String(),
		Method:    method,
		State:     core.RunPending,
		StartedAt: deps.now(),
		Deadline:  deadline,
		Params:    params,
	}

	switch kind {
	case scoring.ProtocolCodeChallenge:
		target, _ := params["target"].(string)
		if target == "" {
			return nil, fmt.Errorf("code challenge for %s needs a delivery target", method)
		}
		return newCodeChallenge(run, target, deps), nil
	case scoring.ProtocolTwoParty:
		return newTwoPartySaga(run, subjectID, deps), nil
	case scoring.ProtocolHumanReview:
		docRef, _ := params["document_ref"].(string)
		if docRef == "" {
			return nil, fmt.Errorf("human review for %s needs a document_ref", method)
		}
		return newHumanReview(run, subjectID, docRef, deps), nil
	case scoring.ProtocolAttestation:
		return newAttestationIntake(run, deps), nil
	default:
		return nil, fmt.Errorf("no protocol registered for %s", method)
	}
}

// base carries the state machinery shared by all protocols: the run record,
// the one-shot outcome channel, and the deadline timer.
type base struct {
	mu      sync.Mutex
	run     *core.ProtocolRun
	deps    Deps
	outcome chan Outcome
	once    sync.Once
	timer   *time.Timer
}

func newBase(run *core.ProtocolRun, deps Deps) base {
	return base{run: run, deps: deps, outcome: make(chan Outcome, 1)}
}

func (b *base) Run() *core.ProtocolRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *b.run
	return &clone
}

func (b *base) Outcome() <-chan Outcome {
	return b.outcome
}

// armDeadline starts the expiry timer. The remaining window is measured on
// the injected clock. onExpire runs outside the lock and re-checks state.
func (b *base) armDeadline(onExpire func()) {
	d := b.run.Deadline.Sub(b.deps.now())
	if d < 0 {
		d = 0
	}
	b.timer = time.AfterFunc(d, onExpire)
}

// finish transitions to a terminal state and emits the outcome exactly once.
// Caller must hold b.mu.
func (b *base) finish(state core.RunState, reason string, evidenceRef []byte, evidence map[string]interface{}) {
	b.run.State = state
	b.run.FailReason = reason
	if b.timer != nil {
		b.timer.Stop()
	}
	b.once.Do(func() {
		b.outcome <- Outcome{
			RunID:       b.run.ID,
			Method:      b.run.Method,
			State:       state,
			EvidenceRef: evidenceRef,
			Evidence:    evidence,
			FailReason:  reason,
		}
	})
}
