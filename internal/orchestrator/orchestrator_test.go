package orchestrator

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
	"github.com/1withall/nabr/internal/protocols"
	"github.com/1withall/nabr/internal/scoring"
	"github.com/1withall/nabr/internal/verifier"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.t
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.t = fc.t.Add(d)
}

type testEnv struct {
	env       *Env
	clock     *fakeClock
	sender    *collab.MemoryCodeSender
	reviews   *collab.MemoryReviewQueue
	notifier  *collab.MemoryNotifier
	tokens    *protocols.MemoryTokenStore
	verifiers *verifier.MemoryStore
}

func newTestEnv() *testEnv {
	clk := newFakeClock()
	te := &testEnv{
		clock:     clk,
		sender:    collab.NewMemoryCodeSender(),
		reviews:   collab.NewMemoryReviewQueue(),
		notifier:  collab.NewMemoryNotifier(),
		tokens:    protocols.NewMemoryTokenStore(),
		verifiers: verifier.NewMemoryStore(),
	}
	te.env = &Env{
		Store:       journal.NewStore(journal.NewMemoryJournal(), journal.NewMemoryCache(), scoring.NewModel(nil)),
		Verifiers:   te.verifiers,
		Notifier:    te.notifier,
		Bus:         events.NewEventBus(),
		CodeSender:  te.sender,
		ReviewQueue: te.reviews,
		Tokens:      te.tokens,
		Retry:       collab.RetryPolicy{Initial: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3},
		Clock:       clk.Now,
	}
	return te
}

// seedSubject fabricates journal history so another subject holds a level.
func (te *testEnv) seedSubject(t *testing.T, subjectID string, class core.SubjectClass, methods ...core.Method) {
	t.Helper()
	ctx := context.Background()
	last, err := te.env.Store.LastSeq(ctx, subjectID)
	require.NoError(t, err)
	for i, m := range methods {
		data := map[string]interface{}{"sequence_index": 1}
		if i == 0 {
			data["class"] = string(class)
		}
		last, err = te.env.Store.Append(ctx, subjectID, last, core.VerificationEvent{
			At: te.clock.Now(), Kind: core.EventMethodCompleted, Method: m, Data: data,
		})
		require.NoError(t, err)
	}
}

func enterCode(t *testing.T, te *testEnv, o *Orchestrator, method core.Method) {
	t.Helper()
	sends := te.sender.Sent()
	require.NotEmpty(t, sends)
	code := sends[len(sends)-1].Code
	require.NoError(t, o.Signal(context.Background(), method, protocols.CodeEntered{Code: code}))
}

func waitScore(t *testing.T, o *Orchestrator, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		score, err := o.Score(context.Background())
		return err == nil && score == want
	}, 2*time.Second, 5*time.Millisecond, "score never reached %d", want)
}

func countEvents(t *testing.T, te *testEnv, subjectID string, kind core.EventKind) int {
	t.Helper()
	evs, err := te.env.Store.Read(context.Background(), subjectID, 0)
	require.NoError(t, err)
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestEmailPhoneThenTwoParty(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-1")
	require.NoError(t, err)
	enterCode(t, te, o, core.MethodEmail)
	waitScore(t, o, 30)

	_, err = o.StartMethod(ctx, core.MethodPhone, map[string]interface{}{"target": "+15550100"}, "cmd-2")
	require.NoError(t, err)
	enterCode(t, te, o, core.MethodPhone)
	waitScore(t, o, 60)

	level, err := o.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.LevelUnverified, level, "60 points is below Minimal")

	// Two-party in-person pushes the subject over the threshold.
	te.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "v1", Credentials: []core.CredentialKind{core.CredNotaryPublic}, Authorized: true})
	te.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "v2", Credentials: []core.CredentialKind{core.CredCommunityLeader}, Authorized: true})
	te.seedSubject(t, "v2", core.ClassIndividual, core.MethodTwoPartyInPerson, core.MethodGovernmentID)

	res, err := o.StartMethod(ctx, core.MethodTwoPartyInPerson, nil, "cmd-3")
	require.NoError(t, err)

	status, err := o.Method(ctx, core.MethodTwoPartyInPerson)
	require.NoError(t, err)
	assert.Equal(t, core.RunWaiting, status.ActiveState)

	run := activeRun(t, o, core.MethodTwoPartyInPerson)
	tok1, _ := run.Params["token_slot_1"].(string)
	tok2, _ := run.Params["token_slot_2"].(string)

	ok, err := o.VerifierConfirm(ctx, tok1, "v1", nil, "conf-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = o.VerifierConfirm(ctx, tok2, "v2", nil, "conf-2")
	require.NoError(t, err)
	assert.True(t, ok)

	waitScore(t, o, 210)
	level, err = o.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.LevelMinimal, level)
	assert.Equal(t, res.ProtocolRunID, run.ID)

	// Both verifiers were credited.
	for _, v := range []string{"v1", "v2"} {
		rec, err := te.verifiers.Get(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.SuccessfulConfirmations)
	}
}

func activeRun(t *testing.T, o *Orchestrator, method core.Method) *core.ProtocolRun {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.active[method]
	require.True(t, ok, "no active run for %s", method)
	return p.Run()
}

func TestBusinessLicensePlusEmail(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "biz-1", core.ClassBusiness, te.env)
	require.NoError(t, err)

	_, err = o.StartMethod(ctx, core.MethodBusinessLicense, map[string]interface{}{"document_ref": "blob://license-1"}, "cmd-1")
	require.NoError(t, err)
	require.Len(t, te.reviews.Enqueued(), 1)

	require.NoError(t, o.Signal(ctx, core.MethodBusinessLicense, protocols.ReviewDecision{Approved: true}))
	waitScore(t, o, 120)

	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "biz@example.com"}, "cmd-2")
	require.NoError(t, err)
	enterCode(t, te, o, core.MethodEmail)
	waitScore(t, o, 150)

	level, err := o.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.LevelMinimal, level)
	assert.Equal(t, 1, countEvents(t, te, "biz-1", core.EventLevelChanged), "exactly one level_changed")

	// TwoPartyInPerson is individual-only.
	_, err = o.StartMethod(ctx, core.MethodTwoPartyInPerson, nil, "cmd-3")
	assert.ErrorIs(t, err, ErrMethodNotApplicable)
}

func TestExpiryKeepsLevelWhenAboveThreshold(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	// Email (30, decays) + TwoPartyInPerson (150, permanent) = 180, Minimal.
	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-1")
	require.NoError(t, err)
	enterCode(t, te, o, core.MethodEmail)
	waitScore(t, o, 30)

	te.seedTwoParty(t, o, "cmd-2")
	waitScore(t, o, 180)

	te.clock.Advance(366 * 24 * time.Hour)
	o.Sweep(ctx)

	waitScore(t, o, 150)
	level, err := o.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.LevelMinimal, level)
	assert.Equal(t, 1, countEvents(t, te, "subj-1", core.EventMethodExpired))
	assert.Equal(t, 1, countEvents(t, te, "subj-1", core.EventLevelChanged), "no level change on expiry above threshold")

	// Re-sweeping is a no-op.
	o.Sweep(ctx)
	assert.Equal(t, 1, countEvents(t, te, "subj-1", core.EventMethodExpired))
}

func TestExpiryDropsLevelAcrossThreshold(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	// Email (30) + two community attestations (80) = 110, Minimal.
	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-1")
	require.NoError(t, err)
	enterCode(t, te, o, core.MethodEmail)
	waitScore(t, o, 30)

	te.seedSubject(t, "att-1", core.ClassIndividual, core.MethodTwoPartyInPerson)
	te.seedSubject(t, "att-2", core.ClassIndividual, core.MethodTwoPartyInPerson)
	for i, attestor := range []string{"att-1", "att-2"} {
		ok, err := o.CommunityAttest(ctx, core.MethodCommunityAttestation, attestor, "known in the community", "att-cmd-"+attestor)
		require.NoError(t, err, "attestation %d", i)
		assert.True(t, ok)
		waitScore(t, o, 30+(i+1)*40)
	}

	level, err := o.Level(ctx)
	require.NoError(t, err)
	require.Equal(t, core.LevelMinimal, level)

	te.clock.Advance(366 * 24 * time.Hour)
	o.Sweep(ctx)

	waitScore(t, o, 80)
	level, err = o.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.LevelUnverified, level, "expiry dropped the subject below Minimal")

	// One upward change earlier, one downward now.
	assert.Equal(t, 2, countEvents(t, te, "subj-1", core.EventLevelChanged))
}

// seedTwoParty drives a full two-party saga for the subject.
func (te *testEnv) seedTwoParty(t *testing.T, o *Orchestrator, commandID string) {
	t.Helper()
	ctx := context.Background()
	te.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "notary", Credentials: []core.CredentialKind{core.CredNotaryPublic}, Authorized: true})
	te.verifiers.Put(ctx, &core.VerifierRecord{SubjectID: "attorney", Credentials: []core.CredentialKind{core.CredAttorney}, Authorized: true})

	_, err := o.StartMethod(ctx, core.MethodTwoPartyInPerson, nil, commandID)
	require.NoError(t, err)
	run := activeRun(t, o, core.MethodTwoPartyInPerson)
	tok1, _ := run.Params["token_slot_1"].(string)
	tok2, _ := run.Params["token_slot_2"].(string)

	_, err = o.VerifierConfirm(ctx, tok1, "notary", nil, commandID+"-c1")
	require.NoError(t, err)
	_, err = o.VerifierConfirm(ctx, tok2, "attorney", nil, commandID+"-c2")
	require.NoError(t, err)
}

func TestIdempotentStartMethodReplay(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	first, err := o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-dup")
	require.NoError(t, err)
	second, err := o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-dup")
	require.NoError(t, err)

	assert.Equal(t, first.ProtocolRunID, second.ProtocolRunID, "replay returns the original run id")
	assert.Len(t, te.sender.Sent(), 1, "no duplicate code delivery")
	assert.Equal(t, 1, countEvents(t, te, "subj-1", core.EventMethodStarted), "one method_started event")
}

func TestStartMethodPreconditions(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	// Not applicable.
	_, err = o.StartMethod(ctx, core.MethodBusinessLicense, map[string]interface{}{"document_ref": "x"}, "c1")
	assert.ErrorIs(t, err, ErrMethodNotApplicable)

	// Already active.
	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "c2")
	require.NoError(t, err)
	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "c3")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// Already maxed.
	enterCode(t, te, o, core.MethodEmail)
	waitScore(t, o, 30)
	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "c4")
	assert.ErrorIs(t, err, ErrAlreadyMaxed)
}

func TestRevokeThenRecomplete(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	te.seedTwoParty(t, o, "cmd-1")
	waitScore(t, o, 150)

	res, err := o.Revoke(ctx, core.MethodTwoPartyInPerson, "fraud report", "ops-1", "rev-1")
	require.NoError(t, err)
	assert.Equal(t, core.LevelUnverified, res.NewLevel)
	waitScore(t, o, 0)

	// Replay returns the recorded outcome without another journal write.
	eventsBefore := countEvents(t, te, "subj-1", core.EventMethodRevoked)
	res2, err := o.Revoke(ctx, core.MethodTwoPartyInPerson, "fraud report", "ops-1", "rev-1")
	require.NoError(t, err)
	assert.Equal(t, res.NewLevel, res2.NewLevel)
	assert.Equal(t, eventsBefore, countEvents(t, te, "subj-1", core.EventMethodRevoked))

	// Nothing left to revoke under a fresh command id.
	_, err = o.Revoke(ctx, core.MethodTwoPartyInPerson, "again", "ops-1", "rev-2")
	assert.ErrorIs(t, err, ErrNothingToRevoke)

	// Recompleting restores the score as if never revoked.
	te.seedTwoParty(t, o, "cmd-2")
	waitScore(t, o, 150)
	level, err := o.Level(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.LevelMinimal, level)
}

func TestDuplicateAttestorRejected(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	te.seedSubject(t, "att-1", core.ClassIndividual, core.MethodTwoPartyInPerson)
	ok, err := o.CommunityAttest(ctx, core.MethodPersonalReference, "att-1", "good neighbor", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	waitScore(t, o, 50)

	_, err = o.CommunityAttest(ctx, core.MethodPersonalReference, "att-1", "still a good neighbor", "a2")
	assert.ErrorIs(t, err, ErrAlreadyAttested)
}

func TestAttestorBelowMinimalDenied(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	// Unverified attestor: the intake protocol rejects the signal.
	_, err = o.CommunityAttest(ctx, core.MethodCommunityAttestation, "nobody", "trust me", "a1")
	require.Error(t, err)
	assert.ErrorIs(t, err, protocols.ErrAttestorDenied)
}

func TestRehydrateAfterRestart(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv()
	o, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	_, err = o.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-1")
	require.NoError(t, err)
	enterCode(t, te, o, core.MethodEmail)
	waitScore(t, o, 30)

	// Phone challenge in flight at "crash" time.
	_, err = o.StartMethod(ctx, core.MethodPhone, map[string]interface{}{"target": "+15550100"}, "cmd-2")
	require.NoError(t, err)
	phoneCode := te.sender.Sent()[len(te.sender.Sent())-1].Code

	// A second instance rebuilt purely from the journal.
	o2, err := New(ctx, "subj-1", core.ClassIndividual, te.env)
	require.NoError(t, err)

	score, err := o2.Score(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, score)

	// The in-flight challenge survives: the journaled hash still matches.
	require.NoError(t, o2.Signal(ctx, core.MethodPhone, protocols.CodeEntered{Code: phoneCode}))
	waitScore(t, o2, 60)

	// Replays against the new instance stay idempotent.
	res, err := o2.StartMethod(ctx, core.MethodEmail, map[string]interface{}{"target": "x@y.example"}, "cmd-1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.ProtocolRunID)
	assert.Equal(t, 2, countEvents(t, te, "subj-1", core.EventMethodStarted), "replay appended nothing")
}
