package protocols

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/verifier"
)

// sagaHarness wires a two-party saga against in-memory collaborators.
type sagaHarness struct {
	saga       *twoPartySaga
	tokens     *MemoryTokenStore
	mu         sync.Mutex
	denied     map[string]verifier.DenialReason
	records    []string
	revokes    []string
	failRecord bool
}

func newSagaHarness(t *testing.T) *sagaHarness {
	t.Helper()
	h := &sagaHarness{
		tokens: NewMemoryTokenStore(),
		denied: make(map[string]verifier.DenialReason),
	}

	deps := Deps{
		Tokens: h.tokens,
		Retry:  fastRetry(),
		Authorize: func(ctx context.Context, verifierID string, method core.Method, now time.Time) (*verifier.Authorization, *verifier.Denial, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if reason, ok := h.denied[verifierID]; ok {
				return nil, &verifier.Denial{VerifierID: verifierID, Reason: reason}, nil
			}
			return &verifier.Authorization{VerifierID: verifierID}, nil, nil
		},
		Record: func(ctx context.Context, runID, verifierID string, evidence []byte) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.failRecord {
				return errors.New("journal unavailable")
			}
			h.records = append(h.records, verifierID)
			return nil
		},
		Revoke: func(ctx context.Context, runID, verifierID string, evidence []byte) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.revokes = append(h.revokes, verifierID)
			return nil
		},
	}

	p, err := New(scoring.ProtocolTwoParty, "subj-1", core.MethodTwoPartyInPerson, nil,
		time.Now().UTC().Add(DefaultTwoPartyWindow), deps)
	require.NoError(t, err)
	h.saga = p.(*twoPartySaga)
	return h
}

func (h *sagaHarness) issuedTokens(t *testing.T) (string, string) {
	t.Helper()
	run := h.saga.Run()
	tok1, _ := run.Params["token_slot_1"].(string)
	tok2, _ := run.Params["token_slot_2"].(string)
	require.NotEmpty(t, tok1)
	require.NotEmpty(t, tok2)
	require.NotEqual(t, tok1, tok2)
	return tok1, tok2
}

func TestTwoPartyHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, tok2 := h.issuedTokens(t)

	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"}))
	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok2, VerifierID: "v2"}))

	out := <-h.saga.Outcome()
	assert.Equal(t, core.RunCompleted, out.State)
	assert.ElementsMatch(t, []interface{}{"v1", "v2"}, out.Evidence["verifier_ids"].([]string))
	assert.ElementsMatch(t, []string{"v1", "v2"}, h.records)
	assert.Empty(t, h.revokes)
}

func TestTwoPartyUnknownToken(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))

	err := h.saga.Deliver(ctx, VerifierConfirmation{Token: "bogus", VerifierID: "v1"})
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestTwoPartySameVerifierBothSlots(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, tok2 := h.issuedTokens(t)

	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"}))
	// The same verifier scanning the second code is still one confirmation.
	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok2, VerifierID: "v1"}))

	assert.Equal(t, core.RunWaiting, h.saga.Run().State, "still awaiting the second distinct verifier")

	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok2, VerifierID: "v2"}))
	out := <-h.saga.Outcome()
	assert.Equal(t, core.RunCompleted, out.State)
}

func TestTwoPartyDuplicateConfirmationIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, _ := h.issuedTokens(t)

	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"}))
	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"}), "identical duplicate succeeds")
	assert.Equal(t, core.RunWaiting, h.saga.Run().State)
}

func TestTwoPartyUnauthorizedVerifierCompensates(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, tok2 := h.issuedTokens(t)

	h.mu.Lock()
	h.denied["v2"] = verifier.DenyNotAVerifier
	h.mu.Unlock()

	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"}))
	err := h.saga.Deliver(ctx, VerifierConfirmation{Token: tok2, VerifierID: "v2"})
	require.Error(t, err)

	out := <-h.saga.Outcome()
	assert.Equal(t, core.RunFailed, out.State)
	assert.Contains(t, out.FailReason, "unauthorized_verifier")
	// Both confirmations were recorded on arrival and unwound in reverse.
	assert.Equal(t, []string{"v1", "v2"}, h.records)
	assert.Equal(t, []string{"v2", "v1"}, h.revokes)

	// Compensation invalidated both tokens.
	for _, tok := range []string{tok1, tok2} {
		binding, err := h.tokens.Get(ctx, tok)
		require.NoError(t, err)
		assert.True(t, binding.Invalidated)
	}
}

func TestTwoPartyConfirmationAfterTimeout(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, _ := h.issuedTokens(t)

	// Move the clock past the deadline. The deadline is read up front: the
	// clock is called while the saga holds its lock, which Run() also takes.
	deadline := h.saga.Run().Deadline
	h.saga.deps.Clock = func() time.Time { return deadline.Add(time.Minute) }

	err := h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTwoPartyCancelCompensates(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, _ := h.issuedTokens(t)
	require.NoError(t, h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"}))

	h.saga.Cancel(ctx)
	out := <-h.saga.Outcome()
	assert.Equal(t, core.RunCancelled, out.State)

	assert.Equal(t, []string{"v1"}, h.revokes, "the recorded confirmation was unwound")
	binding, err := h.tokens.Get(ctx, tok1)
	require.NoError(t, err)
	assert.True(t, binding.Invalidated)
}

func TestTwoPartyRecordFailureCompensates(t *testing.T) {
	ctx := context.Background()
	h := newSagaHarness(t)
	require.NoError(t, h.saga.Start(ctx))
	tok1, _ := h.issuedTokens(t)

	h.mu.Lock()
	h.failRecord = true
	h.mu.Unlock()

	err := h.saga.Deliver(ctx, VerifierConfirmation{Token: tok1, VerifierID: "v1"})
	require.Error(t, err)

	out := <-h.saga.Outcome()
	assert.Equal(t, core.RunFailed, out.State)
	assert.Equal(t, "record_failed", out.FailReason)

	binding, err := h.tokens.Get(ctx, tok1)
	require.NoError(t, err)
	assert.True(t, binding.Invalidated, "tokens invalidated when recording never landed")
}

func TestTwoPartyDeadlineFiresCompensation(t *testing.T) {
	ctx := context.Background()
	h := &sagaHarness{tokens: NewMemoryTokenStore(), denied: make(map[string]verifier.DenialReason)}
	deps := Deps{Tokens: h.tokens, Retry: fastRetry(),
		Authorize: func(ctx context.Context, verifierID string, method core.Method, now time.Time) (*verifier.Authorization, *verifier.Denial, error) {
			return &verifier.Authorization{VerifierID: verifierID}, nil, nil
		},
		Record: func(ctx context.Context, runID, verifierID string, evidence []byte) error { return nil },
		Revoke: func(ctx context.Context, runID, verifierID string, evidence []byte) error { return nil },
	}
	p, err := New(scoring.ProtocolTwoParty, "subj-1", core.MethodTwoPartyInPerson, nil,
		time.Now().UTC().Add(30*time.Millisecond), deps)
	require.NoError(t, err)
	require.NoError(t, p.Start(ctx))

	select {
	case out := <-p.Outcome():
		assert.Equal(t, core.RunFailed, out.State)
		assert.Equal(t, "timeout", out.FailReason)
	case <-time.After(2 * time.Second):
		t.Fatal("saga deadline never fired")
	}
}
