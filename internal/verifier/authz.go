package verifier

import (
	"time"

	"github.com/1withall/nabr/internal/core"
)

// DenialReason codes why a verifier may not attest.
type DenialReason string

const (
	DenyNotAVerifier      DenialReason = "not_a_verifier"
	DenyBelowMinimumLevel DenialReason = "below_minimum_level"
	DenyRevoked           DenialReason = "revoked"
	DenyCredentialExpired DenialReason = "credential_expired"
	DenyMethodUnsupported DenialReason = "method_not_supported"
)

// Authorization is a positive policy decision.
type Authorization struct {
	VerifierID    string                `json:"verifier_id"`
	Credentials   []core.CredentialKind `json:"credentials"`
	Confirmations int                   `json:"confirmations"`
}

// Denial is a negative policy decision with a machine-readable reason.
type Denial struct {
	VerifierID string       `json:"verifier_id"`
	Reason     DenialReason `json:"reason"`
}

func (d *Denial) Error() string {
	return "verifier " + d.VerifierID + " denied: " + string(d.Reason)
}

// trustedVerifierThreshold is the confirmation count at which the synthetic
// TrustedVerifier credential is held automatically.
const trustedVerifierThreshold = 50

// seniorCredentials bypass the minimum-level rule.
var seniorCredentials = []core.CredentialKind{
	core.CredNotaryPublic, core.CredAttorney, core.CredGovernmentOfficial,
}

// twoPartyCredentials qualify a verifier for the in-person protocol.
var twoPartyCredentials = []core.CredentialKind{
	core.CredNotaryPublic, core.CredAttorney, core.CredCommunityLeader,
	core.CredVerifiedBusinessOwner, core.CredOrganizationDirector,
	core.CredGovernmentOfficial, core.CredTrustedVerifier,
}

// Authorize decides whether the verifier may attest to targetMethod. It is a
// pure function over the verifier's record and snapshot; rules are evaluated
// in order and the first match wins.
func Authorize(record *core.VerifierRecord, snapshot *core.SubjectSnapshot, targetMethod core.Method, now time.Time) (*Authorization, *Denial) {
	if record == nil {
		return nil, &Denial{Reason: DenyNotAVerifier}
	}

	// Rule 1: explicit revocation.
	if record.RevokedAt != nil && !record.RevokedAt.After(now) {
		return nil, &Denial{VerifierID: record.SubjectID, Reason: DenyRevoked}
	}

	// Synthetic TrustedVerifier credential.
	creds := effectiveCredentials(record)

	// Rule 2: minimum level, unless a senior credential is held.
	if snapshot == nil || snapshot.Level < core.LevelStandard {
		if !hasAny(creds, seniorCredentials) {
			return nil, &Denial{VerifierID: record.SubjectID, Reason: DenyBelowMinimumLevel}
		}
	}

	// Rule 3: the two-party protocol needs a qualifying credential.
	if targetMethod == core.MethodTwoPartyInPerson && !hasAny(creds, twoPartyCredentials) {
		return nil, &Denial{VerifierID: record.SubjectID, Reason: DenyNotAVerifier}
	}

	return &Authorization{
		VerifierID:    record.SubjectID,
		Credentials:   creds,
		Confirmations: record.SuccessfulConfirmations,
	}, nil
}

// PreScreen applies only the method-independent rules (revocation, minimum
// level). The gateway uses it to bounce obviously denied confirmations
// early; the saga's validation step still runs the full policy.
func PreScreen(record *core.VerifierRecord, snapshot *core.SubjectSnapshot, now time.Time) *Denial {
	if record == nil {
		return &Denial{Reason: DenyNotAVerifier}
	}
	if record.RevokedAt != nil && !record.RevokedAt.After(now) {
		return &Denial{VerifierID: record.SubjectID, Reason: DenyRevoked}
	}
	if snapshot == nil || snapshot.Level < core.LevelStandard {
		if !hasAny(effectiveCredentials(record), seniorCredentials) {
			return &Denial{VerifierID: record.SubjectID, Reason: DenyBelowMinimumLevel}
		}
	}
	return nil
}

// AuthorizeAttestor applies the lighter rule for references and community
// attestations: the attestor needs no verifier record, only a snapshot at
// Minimal or above. Returns nil when authorized.
func AuthorizeAttestor(attestorID string, snapshot *core.SubjectSnapshot) *Denial {
	if snapshot == nil || snapshot.Level < core.LevelMinimal {
		return &Denial{VerifierID: attestorID, Reason: DenyBelowMinimumLevel}
	}
	return nil
}

// effectiveCredentials returns the record's credentials plus the synthetic
// TrustedVerifier once the confirmation threshold is reached.
func effectiveCredentials(record *core.VerifierRecord) []core.CredentialKind {
	creds := make([]core.CredentialKind, len(record.Credentials))
	copy(creds, record.Credentials)
	if record.SuccessfulConfirmations >= trustedVerifierThreshold && !record.HasCredential(core.CredTrustedVerifier) {
		creds = append(creds, core.CredTrustedVerifier)
	}
	return creds
}

func hasAny(creds []core.CredentialKind, wanted []core.CredentialKind) bool {
	for _, w := range wanted {
		for _, c := range creds {
			if c == w {
				return true
			}
		}
	}
	return false
}
