package protocols

import (
	"context"
	"fmt"
	"time"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
)

// twoPartySaga is the in-person verification saga. Two QR tokens are issued,
// two distinct authorized verifiers must confirm in person, and every side
// effect made along the way registers its undo on a compensation stack.
//
// Forward steps: issue tokens → collect confirmations, recording each one as
// it arrives → validate verifiers → award completion. A failure at any step
// runs the stack in reverse order of the completed steps.
type twoPartySaga struct {
	base
	subjectID     string
	tokens        [2]string
	confirmations map[int]*sagaConfirmation // slot -> confirmation
	comp          *CompensationStack
}

type sagaConfirmation struct {
	verifierID string
	evidence   []byte
	token      string
}

func newTwoPartySaga(run *core.ProtocolRun, subjectID string, deps Deps) *twoPartySaga {
	if run.Deadline.IsZero() {
		run.Deadline = deps.now().Add(DefaultTwoPartyWindow)
	}
	return &twoPartySaga{
		base:          newBase(run, deps),
		subjectID:     subjectID,
		confirmations: make(map[int]*sagaConfirmation),
		comp:          NewCompensationStack(DefaultCompensationConfig()),
	}
}

// Start executes forward step 1: issue two cryptographically independent
// tokens bound to (subject, run, slot) and persist them with the protocol
// window as TTL.
func (tp *twoPartySaga) Start(ctx context.Context) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.run.State != core.RunPending {
		return nil
	}

	ttl := tp.run.Deadline.Sub(tp.deps.now())
	for slot := 1; slot <= 2; slot++ {
		token, err := NewToken()
		if err != nil {
			return err
		}
		binding := TokenBinding{
			SubjectID:     tp.subjectID,
			ProtocolRunID: tp.run.ID,
			Slot:          slot,
			ExpiresAt:     tp.run.Deadline,
		}
		ok, err := tp.deps.Tokens.PutIfAbsent(ctx, token, binding, ttl)
		if err != nil {
			return fmt.Errorf("persist slot %d token: %w", slot, err)
		}
		if !ok {
			return fmt.Errorf("slot %d token collision", slot)
		}
		tp.tokens[slot-1] = token
	}

	issued := tp.tokens
	tp.comp.Push(tp.run.ID, "invalidate QR tokens", func() error {
		for _, tok := range issued {
			if err := tp.deps.Tokens.Invalidate(context.Background(), tok); err != nil {
				return err
			}
		}
		return nil
	})

	// Hand the tokens back to the caller through the run params so the
	// gateway can render the QR codes.
	tp.run.Params = map[string]interface{}{
		"token_slot_1": tp.tokens[0],
		"token_slot_2": tp.tokens[1],
	}
	tp.run.State = core.RunWaiting
	tp.armDeadline(tp.expire)
	return nil
}

// Deliver accepts and records verifier confirmations (forward step 2) and,
// once both slots hold distinct verifiers, drives validation and award.
func (tp *twoPartySaga) Deliver(ctx context.Context, sig Signal) error {
	conf, ok := sig.(VerifierConfirmation)
	if !ok {
		return ErrWrongSignal
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.run.State != core.RunWaiting {
		return ErrNotWaiting
	}

	now := tp.deps.now()
	if now.After(tp.run.Deadline) {
		return ErrTokenExpired
	}

	slot := tp.slotFor(conf.Token)
	if slot == 0 {
		return ErrTokenUnknown
	}
	if binding, err := tp.deps.Tokens.Get(ctx, conf.Token); err == nil && binding.Invalidated {
		return ErrTokenExpired
	}

	if existing := tp.confirmations[slot]; existing != nil {
		if existing.verifierID == conf.VerifierID {
			// Duplicate signal with an identical token: idempotent success.
			return nil
		}
		return fmt.Errorf("slot %d already confirmed by another verifier", slot)
	}

	// The two confirmations must come from distinct verifier ids; the same
	// verifier scanning both codes still counts as one confirmation.
	for _, existing := range tp.confirmations {
		if existing.verifierID == conf.VerifierID {
			return nil
		}
	}

	// Each confirmation is recorded durably as it arrives, with its undo
	// registered first, so a failure anywhere later can unwind it.
	if err := collab.Retry(ctx, tp.deps.Retry, func() error {
		return tp.deps.Record(ctx, tp.run.ID, conf.VerifierID, conf.Evidence)
	}); err != nil {
		tp.compensate("record_failed")
		return err
	}
	verifierID, evidence := conf.VerifierID, conf.Evidence
	tp.comp.Push(tp.run.ID, "revoke confirmation by "+verifierID, func() error {
		return tp.deps.Revoke(context.Background(), tp.run.ID, verifierID, evidence)
	})

	tp.confirmations[slot] = &sagaConfirmation{
		verifierID: conf.VerifierID,
		evidence:   conf.Evidence,
		token:      conf.Token,
	}
	if len(tp.confirmations) < 2 {
		return nil
	}

	return tp.completeForward(ctx, now)
}

// completeForward runs validation and award once both confirmations are in.
// Caller holds the lock.
func (tp *twoPartySaga) completeForward(ctx context.Context, now time.Time) error {
	// Validate. Authorization is re-checked here, not at confirmation time,
	// so a verifier revoked in between is caught.
	for slot, conf := range tp.confirmations {
		_, denial, err := tp.deps.Authorize(ctx, conf.verifierID, tp.run.Method, now)
		if err != nil {
			tp.compensate(fmt.Sprintf("authorization check failed for slot %d", slot))
			return err
		}
		if denial != nil {
			tp.compensate("unauthorized_verifier:" + conf.verifierID)
			return denial
		}
	}

	// Award. Side effects stand; the stack is committed.
	verifierIDs := []string{tp.confirmations[1].verifierID, tp.confirmations[2].verifierID}
	tp.comp.Commit(tp.run.ID)
	tp.finish(core.RunCompleted, "", nil, map[string]interface{}{"verifier_ids": verifierIDs})
	return nil
}

func (tp *twoPartySaga) slotFor(token string) int {
	for i, t := range tp.tokens {
		if t != "" && t == token {
			return i + 1
		}
	}
	return 0
}

// compensate unwinds completed forward steps in reverse order. Exhausted
// retries leave the run failed as compensation_incomplete for operator
// attention; the method is still not credited either way. Caller holds the
// lock.
func (tp *twoPartySaga) compensate(reason string) {
	tp.run.State = core.RunCompensating
	_, complete := tp.comp.Execute(tp.run.ID)
	if !complete {
		tp.finish(core.RunFailed, "compensation_incomplete", nil, map[string]interface{}{"cause": reason})
		return
	}
	tp.finish(core.RunFailed, reason, nil, nil)
}

// Cancel aborts the saga from whichever state; compensation runs first.
func (tp *twoPartySaga) Cancel(ctx context.Context) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.run.State.Terminal() {
		return
	}
	tp.run.State = core.RunCompensating
	_, complete := tp.comp.Execute(tp.run.ID)
	if !complete {
		tp.finish(core.RunFailed, "compensation_incomplete", nil, map[string]interface{}{"cause": "cancelled"})
		return
	}
	tp.finish(core.RunCancelled, "cancelled", nil, nil)
}

func (tp *twoPartySaga) expire() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.run.State.Terminal() {
		return
	}
	tp.compensate("timeout")
}

// DeadLetters exposes compensation failures for the operator surface.
func (tp *twoPartySaga) DeadLetters() []DeadLetterEntry {
	return tp.comp.DeadLetters()
}
