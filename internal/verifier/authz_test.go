package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1withall/nabr/internal/core"
)

func snapshotAt(level core.Level) *core.SubjectSnapshot {
	return &core.SubjectSnapshot{Level: level}
}

func TestAuthorizeRevokedWinsFirst(t *testing.T) {
	revoked := time.Now().UTC().Add(-time.Hour)
	rec := &core.VerifierRecord{
		SubjectID:   "v1",
		Credentials: []core.CredentialKind{core.CredNotaryPublic},
		RevokedAt:   &revoked,
	}

	auth, denial := Authorize(rec, snapshotAt(core.LevelComplete), core.MethodTwoPartyInPerson, time.Now().UTC())
	assert.Nil(t, auth)
	require.NotNil(t, denial)
	assert.Equal(t, DenyRevoked, denial.Reason)
}

func TestAuthorizeBelowMinimumLevel(t *testing.T) {
	rec := &core.VerifierRecord{
		SubjectID:   "v1",
		Credentials: []core.CredentialKind{core.CredCommunityLeader},
	}

	_, denial := Authorize(rec, snapshotAt(core.LevelMinimal), core.MethodTwoPartyInPerson, time.Now().UTC())
	require.NotNil(t, denial)
	assert.Equal(t, DenyBelowMinimumLevel, denial.Reason)
}

func TestAuthorizeSeniorCredentialBypassesLevel(t *testing.T) {
	for _, cred := range []core.CredentialKind{core.CredNotaryPublic, core.CredAttorney, core.CredGovernmentOfficial} {
		rec := &core.VerifierRecord{SubjectID: "v1", Credentials: []core.CredentialKind{cred}}
		auth, denial := Authorize(rec, snapshotAt(core.LevelUnverified), core.MethodTwoPartyInPerson, time.Now().UTC())
		assert.Nil(t, denial, "credential %s must bypass the level rule", cred)
		require.NotNil(t, auth)
	}
}

func TestAuthorizeTwoPartyNeedsQualifyingCredential(t *testing.T) {
	rec := &core.VerifierRecord{SubjectID: "v1"}

	// Standard level but no credential at all: fine for ordinary methods,
	// denied for the two-party protocol.
	auth, denial := Authorize(rec, snapshotAt(core.LevelStandard), core.MethodCommunityAttestation, time.Now().UTC())
	assert.Nil(t, denial)
	require.NotNil(t, auth)

	_, denial = Authorize(rec, snapshotAt(core.LevelStandard), core.MethodTwoPartyInPerson, time.Now().UTC())
	require.NotNil(t, denial)
	assert.Equal(t, DenyNotAVerifier, denial.Reason)
}

func TestAuthorizeSyntheticTrustedVerifier(t *testing.T) {
	rec := &core.VerifierRecord{SubjectID: "v1", SuccessfulConfirmations: 50}

	auth, denial := Authorize(rec, snapshotAt(core.LevelStandard), core.MethodTwoPartyInPerson, time.Now().UTC())
	assert.Nil(t, denial)
	require.NotNil(t, auth)
	assert.Contains(t, auth.Credentials, core.CredTrustedVerifier)

	rec.SuccessfulConfirmations = 49
	_, denial = Authorize(rec, snapshotAt(core.LevelStandard), core.MethodTwoPartyInPerson, time.Now().UTC())
	require.NotNil(t, denial)
	assert.Equal(t, DenyNotAVerifier, denial.Reason)
}

func TestAuthorizeNoRecord(t *testing.T) {
	_, denial := Authorize(nil, nil, core.MethodTwoPartyInPerson, time.Now().UTC())
	require.NotNil(t, denial)
	assert.Equal(t, DenyNotAVerifier, denial.Reason)
}

func TestMemoryStoreIncrement(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	require.NoError(t, ms.Put(ctx, &core.VerifierRecord{SubjectID: "v1"}))

	n, err := ms.IncrementConfirmations(ctx, "v1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ms.IncrementConfirmations(ctx, "v1", -5)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "counter never goes negative")

	_, err = ms.IncrementConfirmations(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
