package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1withall/nabr/internal/core"
)

func completion(m core.Method, at time.Time, expires *time.Time) core.MethodCompletion {
	return core.MethodCompletion{Method: m, SequenceIndex: 1, CompletedAt: at, ExpiresAt: expires}
}

func TestScoreCoreTable(t *testing.T) {
	md := NewModel(nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	completions := map[core.Method][]core.MethodCompletion{
		core.MethodEmail:            {completion(core.MethodEmail, now, nil)},
		core.MethodPhone:            {completion(core.MethodPhone, now, nil)},
		core.MethodTwoPartyInPerson: {completion(core.MethodTwoPartyInPerson, now, nil)},
	}

	assert.Equal(t, 210, md.Score(completions, core.ClassIndividual, now))
	// TwoPartyInPerson does not apply to businesses.
	assert.Equal(t, 60, md.Score(completions, core.ClassBusiness, now))
}

func TestScoreMultiplierCap(t *testing.T) {
	md := NewModel(nil)
	now := time.Now().UTC()

	// Four personal references recorded, only three count.
	var refs []core.MethodCompletion
	for i := 0; i < 4; i++ {
		c := completion(core.MethodPersonalReference, now, nil)
		c.SequenceIndex = i + 1
		refs = append(refs, c)
	}
	completions := map[core.Method][]core.MethodCompletion{core.MethodPersonalReference: refs}
	assert.Equal(t, 150, md.Score(completions, core.ClassIndividual, now))
}

func TestScoreIgnoresRevokedAndExpired(t *testing.T) {
	md := NewModel(nil)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	revoked := completion(core.MethodEmail, now.Add(-48*time.Hour), nil)
	revoked.RevokedAt = &past
	expired := completion(core.MethodPhone, now.Add(-48*time.Hour), &past)

	completions := map[core.Method][]core.MethodCompletion{
		core.MethodEmail: {revoked},
		core.MethodPhone: {expired},
	}
	assert.Equal(t, 0, md.Score(completions, core.ClassIndividual, now))
}

func TestExpiryBoundaryInclusive(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := completion(core.MethodEmail, now.Add(-365*24*time.Hour), &now)

	assert.False(t, IsExpired(c, now), "still valid at exactly expires_at")
	assert.True(t, IsExpired(c, now.Add(time.Nanosecond)), "expired one nanosecond later")
}

func TestExpiresAtDerivation(t *testing.T) {
	md := NewModel(nil)
	at := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	exp := md.ExpiresAt(core.MethodEmail, at)
	require.NotNil(t, exp)
	assert.Equal(t, at.Add(365*24*time.Hour), *exp)

	assert.Nil(t, md.ExpiresAt(core.MethodTwoPartyInPerson, at), "no decay, no expiry")
}

func TestLevelThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  core.Level
	}{
		{0, core.LevelUnverified},
		{99, core.LevelUnverified},
		{100, core.LevelMinimal},
		{249, core.LevelMinimal},
		{250, core.LevelStandard},
		{400, core.LevelEnhanced},
		{599, core.LevelEnhanced},
		{600, core.LevelComplete},
		{10000, core.LevelComplete},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.score), "score %d", tc.score)
	}
}

func TestLevelMonotonic(t *testing.T) {
	prev := LevelFor(0)
	for s := 1; s <= 700; s++ {
		l := LevelFor(s)
		require.GreaterOrEqual(t, int(l), int(prev), "level must be non-decreasing in score")
		prev = l
	}
}

func TestPolicyOverride(t *testing.T) {
	md := NewModel(map[core.Method]MethodPolicy{
		core.MethodEmail: {BasePoints: 99, MaxMultiplier: 1, ApplicableClasses: []core.SubjectClass{core.ClassIndividual}},
	})
	now := time.Now().UTC()
	completions := map[core.Method][]core.MethodCompletion{
		core.MethodEmail: {completion(core.MethodEmail, now, nil)},
	}
	assert.Equal(t, 99, md.Score(completions, core.ClassIndividual, now))
}
