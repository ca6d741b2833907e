package protocols

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/scoring"
)

func fastRetry() collab.RetryPolicy {
	return collab.RetryPolicy{Initial: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3}
}

func newCodeChallengeForTest(t *testing.T, deadline time.Time) (*codeChallenge, *collab.MemoryCodeSender) {
	t.Helper()
	sender := collab.NewMemoryCodeSender()
	deps := Deps{CodeSender: sender, Retry: fastRetry()}
	p, err := New(scoring.ProtocolCodeChallenge, "subj-1", core.MethodEmail,
		map[string]interface{}{"target": "x@y.example"}, deadline, deps)
	require.NoError(t, err)
	return p.(*codeChallenge), sender
}

func TestCodeChallengeHappyPath(t *testing.T) {
	ctx := context.Background()
	cc, sender := newCodeChallengeForTest(t, time.Now().UTC().Add(DefaultCodeTTL))

	require.NoError(t, cc.Start(ctx))
	require.Len(t, sender.Sent(), 1)
	code := sender.Sent()[0].Code
	require.Len(t, code, 6)

	require.NoError(t, cc.Deliver(ctx, CodeEntered{Code: code}))

	out := <-cc.Outcome()
	assert.Equal(t, core.RunCompleted, out.State)
	assert.Equal(t, []byte("x@y.example"), out.EvidenceRef)
}

func TestCodeChallengeAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	cc, _ := newCodeChallengeForTest(t, time.Now().UTC().Add(DefaultCodeTTL))
	require.NoError(t, cc.Start(ctx))

	for i := 0; i < DefaultCodeAttempts; i++ {
		err := cc.Deliver(ctx, CodeEntered{Code: "000000x"}) // never matches a numeric code
		assert.Error(t, err)
	}

	out := <-cc.Outcome()
	assert.Equal(t, core.RunFailed, out.State)
	assert.Equal(t, "exhausted", out.FailReason)

	// Further signals are rejected.
	assert.ErrorIs(t, cc.Deliver(ctx, CodeEntered{Code: "123456"}), ErrNotWaiting)
}

func TestCodeChallengeExpiry(t *testing.T) {
	ctx := context.Background()
	cc, _ := newCodeChallengeForTest(t, time.Now().UTC().Add(20*time.Millisecond))
	require.NoError(t, cc.Start(ctx))

	select {
	case out := <-cc.Outcome():
		assert.Equal(t, core.RunFailed, out.State)
		assert.Equal(t, "expired", out.FailReason)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry timer never fired")
	}
}

func TestCodeChallengeDuplicateStartSuppressed(t *testing.T) {
	ctx := context.Background()
	cc, sender := newCodeChallengeForTest(t, time.Now().UTC().Add(DefaultCodeTTL))

	require.NoError(t, cc.Start(ctx))
	require.NoError(t, cc.Start(ctx), "duplicate start is a no-op")
	assert.Len(t, sender.Sent(), 1, "no duplicate code delivery")
}

func TestCodeChallengeCancel(t *testing.T) {
	ctx := context.Background()
	cc, _ := newCodeChallengeForTest(t, time.Now().UTC().Add(DefaultCodeTTL))
	require.NoError(t, cc.Start(ctx))

	cc.Cancel(ctx)
	out := <-cc.Outcome()
	assert.Equal(t, core.RunCancelled, out.State)
}
