package protocols

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
)

// codeChallenge drives the email/phone code flow: dispatch a 6-digit code,
// hold a salted hash, and compare entered codes until match, exhaustion, or
// expiry.
type codeChallenge struct {
	base
	target   string
	codeHash []byte
	attempts int
}

func newCodeChallenge(run *core.ProtocolRun, target string, deps Deps) *codeChallenge {
	return &codeChallenge{
		base:     newBase(run, deps),
		target:   target,
		attempts: DefaultCodeAttempts,
	}
}

// generateCode returns a uniformly random 6-digit numeric code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("code entropy: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (cc *codeChallenge) Start(ctx context.Context) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.run.State != core.RunPending {
		// Duplicate start; re-delivery is suppressed.
		return nil
	}

	code, err := generateCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	ttl := cc.run.Deadline.Sub(cc.deps.now())
	if err := collab.Retry(ctx, cc.deps.Retry, func() error {
		return cc.deps.CodeSender.Send(ctx, cc.target, code, ttl)
	}); err != nil {
		cc.finish(core.RunFailed, "delivery_failed", nil, nil)
		return fmt.Errorf("code delivery: %w", err)
	}

	cc.codeHash = hash
	// The salted hash is journaled with the run so a restarted engine can
	// keep accepting entries; the code itself never is.
	cc.run.Params = map[string]interface{}{"target": cc.target, "code_hash": string(hash)}
	cc.run.State = core.RunWaiting
	cc.armDeadline(cc.expire)
	return nil
}

func (cc *codeChallenge) Deliver(ctx context.Context, sig Signal) error {
	entered, ok := sig.(CodeEntered)
	if !ok {
		return ErrWrongSignal
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.run.State != core.RunWaiting {
		return ErrNotWaiting
	}
	if cc.deps.now().After(cc.run.Deadline) {
		cc.finish(core.RunFailed, "expired", nil, nil)
		return ErrTokenExpired
	}

	// bcrypt comparison is constant-time over the hash.
	if bcrypt.CompareHashAndPassword(cc.codeHash, []byte(entered.Code)) == nil {
		cc.finish(core.RunCompleted, "", []byte(cc.target), map[string]interface{}{"target": cc.target})
		return nil
	}

	cc.attempts--
	if cc.attempts <= 0 {
		cc.finish(core.RunFailed, "exhausted", nil, nil)
	}
	return fmt.Errorf("code mismatch, %d attempts remaining", cc.attempts)
}

func (cc *codeChallenge) Cancel(ctx context.Context) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.run.State.Terminal() {
		return
	}
	cc.finish(core.RunCancelled, "cancelled", nil, nil)
}

func (cc *codeChallenge) expire() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.run.State.Terminal() {
		return
	}
	cc.finish(core.RunFailed, "expired", nil, nil)
}
