package protocols

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/1withall/nabr/internal/core"
)

// attestationIntake receives a single attestation or reference from another
// subject, authorizes the attestor, and completes. The per-method multiplier
// is enforced at the orchestrator, not here.
type attestationIntake struct {
	base
}

func newAttestationIntake(run *core.ProtocolRun, deps Deps) *attestationIntake {
	if run.Deadline.IsZero() {
		run.Deadline = deps.now().Add(DefaultTwoPartyWindow)
	}
	return &attestationIntake{base: newBase(run, deps)}
}

func (ai *attestationIntake) Start(ctx context.Context) error {
	ai.mu.Lock()
	defer ai.mu.Unlock()

	if ai.run.State != core.RunPending {
		return nil
	}
	ai.run.State = core.RunWaiting
	ai.armDeadline(ai.expire)
	return nil
}

func (ai *attestationIntake) Deliver(ctx context.Context, sig Signal) error {
	att, ok := sig.(Attestation)
	if !ok {
		return ErrWrongSignal
	}

	ai.mu.Lock()
	defer ai.mu.Unlock()

	if ai.run.State != core.RunWaiting {
		return ErrNotWaiting
	}

	_, denial, err := ai.deps.Authorize(ctx, att.AttestorID, ai.run.Method, ai.deps.now())
	if err != nil {
		return fmt.Errorf("attestor check: %w", err)
	}
	if denial != nil {
		return fmt.Errorf("%w: %s", ErrAttestorDenied, denial.Reason)
	}

	sum := sha256.Sum256([]byte(att.Text))
	digest := hex.EncodeToString(sum[:])
	ai.finish(core.RunCompleted, "", []byte(att.AttestorID), map[string]interface{}{
		"attestor_id":      att.AttestorID,
		"attestation_hash": digest,
	})
	return nil
}

func (ai *attestationIntake) Cancel(ctx context.Context) {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.run.State.Terminal() {
		return
	}
	ai.finish(core.RunCancelled, "cancelled", nil, nil)
}

func (ai *attestationIntake) expire() {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.run.State.Terminal() {
		return
	}
	ai.finish(core.RunFailed, "timeout", nil, nil)
}
