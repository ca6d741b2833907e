package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1withall/nabr/internal/collab"
	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/events"
	"github.com/1withall/nabr/internal/journal"
	"github.com/1withall/nabr/internal/orchestrator"
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/verifier"
)

type fixture struct {
	gw        *Gateway
	store     *journal.Store
	verifiers *verifier.MemoryStore
	tokens    *protocols.MemoryTokenStore
	notifier  *collab.MemoryNotifier
	sender    *collab.MemoryCodeSender
}

func newFixture() *fixture {
	f := &fixture{
		store:     journal.NewStore(journal.NewMemoryJournal(), journal.NewMemoryCache(), scoring.NewModel(nil)),
		verifiers: verifier.NewMemoryStore(),
		tokens:    protocols.NewMemoryTokenStore(),
		notifier:  collab.NewMemoryNotifier(),
		sender:    collab.NewMemoryCodeSender(),
	}
	env := &orchestrator.Env{
		Store:       f.store,
		Verifiers:   f.verifiers,
		Notifier:    f.notifier,
		Bus:         events.NewEventBus(),
		CodeSender:  f.sender,
		ReviewQueue: collab.NewMemoryReviewQueue(),
		Tokens:      f.tokens,
		Retry:       collab.RetryPolicy{Initial: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3},
	}
	f.gw = New(env)
	return f
}

// seedLevel fabricates journal history so a subject holds a given standing.
func (f *fixture) seedLevel(t *testing.T, subjectID string, methods ...core.Method) {
	t.Helper()
	ctx := context.Background()
	var last int64
	for i, m := range methods {
		data := map[string]interface{}{"sequence_index": 1}
		if i == 0 {
			data["class"] = string(core.ClassIndividual)
		}
		var err error
		last, err = f.store.Append(ctx, subjectID, last, core.VerificationEvent{
			At: time.Now().UTC(), Kind: core.EventMethodCompleted, Method: m, Data: data,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) waitScore(t *testing.T, subjectID string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		score, err := f.gw.Score(context.Background(), subjectID)
		return err == nil && score == want
	}, 2*time.Second, 5*time.Millisecond, "score never reached %d", want)
}

// slotTokens pulls the issued QR tokens out of the method status params.
func (f *fixture) slotTokens(t *testing.T, subjectID string) (string, string) {
	t.Helper()
	ctx := context.Background()
	evs, err := f.store.Read(ctx, subjectID, 0)
	require.NoError(t, err)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Kind == core.EventMethodStarted && evs[i].Method == core.MethodTwoPartyInPerson {
			params, _ := evs[i].Data["params"].(map[string]interface{})
			tok1, _ := params["token_slot_1"].(string)
			tok2, _ := params["token_slot_2"].(string)
			require.NotEmpty(t, tok1)
			require.NotEmpty(t, tok2)
			return tok1, tok2
		}
	}
	t.Fatal("no two-party run found")
	return "", ""
}

// Scenario: an unhoused individual with no documents reaches Minimal through
// two in-person confirmations alone.
func TestTwoPartyBaselineThroughGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "v1", Credentials: []core.CredentialKind{core.CredNotaryPublic}, Authorized: true})
	f.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "v2", Credentials: []core.CredentialKind{core.CredCommunityLeader}, Authorized: true})
	// v2 qualifies through level Standard rather than a senior credential.
	f.seedLevel(t, "v2", core.MethodTwoPartyInPerson, core.MethodGovernmentID)

	f.gw.RegisterSubject("subj-1", core.ClassIndividual)
	_, err := f.gw.StartMethod(ctx, "subj-1", core.MethodTwoPartyInPerson, nil, "cmd-1")
	require.NoError(t, err)

	tok1, tok2 := f.slotTokens(t, "subj-1")
	ok, err := f.gw.VerifierConfirm(ctx, tok1, "v1", nil, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.gw.VerifierConfirm(ctx, tok2, "v2", nil, "c2")
	require.NoError(t, err)
	assert.True(t, ok)

	f.waitScore(t, "subj-1", 150)
	level, err := f.gw.Level(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, core.LevelMinimal, level)

	completed, err := f.gw.CompletedMethods(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, map[core.Method]int{core.MethodTwoPartyInPerson: 1}, completed)

	for _, v := range []string{"v1", "v2"} {
		rec, err := f.verifiers.Get(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.SuccessfulConfirmations, "verifier %s credited", v)
	}
}

// Scenario: the second verifier passes the gateway pre-screen but fails saga
// validation; compensation unwinds the first verifier's confirmation.
func TestTwoPartyUnauthorizedVerifierCompensated(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "v1", Credentials: []core.CredentialKind{core.CredNotaryPublic}, Authorized: true, SuccessfulConfirmations: 7})
	// v2 holds no qualifying credential for the in-person protocol but is
	// Standard level, so the pre-screen lets the confirmation through.
	f.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "v2", Authorized: true})
	f.seedLevel(t, "v2", core.MethodTwoPartyInPerson, core.MethodGovernmentID)

	_, err := f.gw.StartMethod(ctx, "subj-1", core.MethodTwoPartyInPerson, nil, "cmd-1")
	require.NoError(t, err)
	tok1, tok2 := f.slotTokens(t, "subj-1")

	ok, err := f.gw.VerifierConfirm(ctx, tok1, "v1", nil, "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.gw.VerifierConfirm(ctx, tok2, "v2", nil, "c2")
	require.Error(t, err, "validation step denies the unqualified verifier")

	// The method stays incomplete and v1's credit was unwound.
	require.Eventually(t, func() bool {
		status, err := f.gw.MethodStatus(ctx, "subj-1", core.MethodTwoPartyInPerson)
		return err == nil && status.CompletedCount == 0 && status.ActiveState == ""
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := f.verifiers.Get(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 7, rec.SuccessfulConfirmations, "counter restored to the pre-saga value")

	// Both tokens were invalidated by compensation.
	for _, tok := range []string{tok1, tok2} {
		binding, err := f.tokens.Get(ctx, tok)
		require.NoError(t, err)
		assert.True(t, binding.Invalidated)
	}

	// The journal shows both confirmations and their revocations.
	evs, err := f.store.Read(ctx, "subj-1", 0)
	require.NoError(t, err)
	var confirmed, unwound int
	for _, ev := range evs {
		switch ev.Kind {
		case core.EventVerifierConfirmed:
			confirmed++
		case core.EventVerifierConfRevoked:
			unwound++
		}
	}
	assert.Equal(t, 2, confirmed)
	assert.Equal(t, 2, unwound)
}

func TestVerifierConfirmTokenErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.gw.VerifierConfirm(ctx, "no-such-token", "v1", nil, "c1")
	assert.ErrorIs(t, err, ErrTokenUnknown)

	// An invalidated token reports expired, not unknown.
	require.NoError(t, func() error {
		_, err := f.tokens.PutIfAbsent(ctx, "tok-x", protocols.TokenBinding{
			SubjectID: "subj-1", ProtocolRunID: "run-1", Slot: 1,
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		}, time.Hour)
		return err
	}())
	require.NoError(t, f.tokens.Invalidate(ctx, "tok-x"))
	_, err = f.gw.VerifierConfirm(ctx, "tok-x", "v1", nil, "c2")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifierPreScreenRejectsUnknownVerifier(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.gw.StartMethod(ctx, "subj-1", core.MethodTwoPartyInPerson, nil, "cmd-1")
	require.NoError(t, err)
	tok1, _ := f.slotTokens(t, "subj-1")

	_, err = f.gw.VerifierConfirm(ctx, tok1, "nobody", nil, "c1")
	assert.ErrorIs(t, err, ErrVerifierDenied)
}

func TestConcurrentFirstCommandsRendezvous(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	var wg sync.WaitGroup
	scores := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, scores[i] = f.gw.Score(ctx, "subj-1")
		}(i)
	}
	wg.Wait()
	for i, err := range scores {
		assert.NoError(t, err, "query %d", i)
	}

	f.gw.mu.Lock()
	assert.Len(t, f.gw.orchestrators, 1, "one orchestrator per subject")
	f.gw.mu.Unlock()
}

func TestNextLevelQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	nl, err := f.gw.NextLevel(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, core.LevelMinimal, nl.TargetLevel)
	assert.Equal(t, 100, nl.PointsNeeded)
	assert.NotEmpty(t, nl.SuggestedPaths)
}
