package core

import "time"

// SubjectClass distinguishes the three kinds of registered subjects.
type SubjectClass string

const (
	ClassIndividual   SubjectClass = "individual"
	ClassBusiness     SubjectClass = "business"
	ClassOrganization SubjectClass = "organization"
)

// Method is a verification method. Completing one earns trust points.
type Method string

const (
	MethodEmail                Method = "email"
	MethodPhone                Method = "phone"
	MethodTwoPartyInPerson     Method = "two_party_in_person"
	MethodGovernmentID         Method = "government_id"
	MethodBiometric            Method = "biometric"
	MethodPersonalReference    Method = "personal_reference"
	MethodCommunityAttestation Method = "community_attestation"
	MethodPlatformHistory      Method = "platform_history"
	MethodTransactionHistory   Method = "transaction_history"
	MethodBusinessLicense      Method = "business_license"
	MethodTaxID                Method = "tax_id"
	MethodBusinessAddress      Method = "business_address"
	MethodOwnerVerification    Method = "owner_verification"
	MethodBusinessInsurance    Method = "business_insurance"
	MethodProfessionalLicense  Method = "professional_license"
	MethodBusinessReference    Method = "business_reference"
	MethodCommunityEndorsement Method = "community_endorsement"
	MethodNonprofitStatus      Method = "nonprofit_status"
	MethodOrgBylaws            Method = "org_bylaws"
	MethodBoardVerification    Method = "board_verification"
	MethodMissionAlignment     Method = "mission_alignment"
	MethodOrgReference         Method = "org_reference"
	MethodNotaryVerification   Method = "notary_verification"
)

// Methods lists every method in canonical lexicographic order. Deterministic
// ordering matters for path suggestions and tie-breaks.
var Methods = []Method{
	MethodBiometric,
	MethodBoardVerification,
	MethodBusinessAddress,
	MethodBusinessInsurance,
	MethodBusinessLicense,
	MethodBusinessReference,
	MethodCommunityAttestation,
	MethodCommunityEndorsement,
	MethodEmail,
	MethodGovernmentID,
	MethodMissionAlignment,
	MethodNonprofitStatus,
	MethodNotaryVerification,
	MethodOrgBylaws,
	MethodOrgReference,
	MethodOwnerVerification,
	MethodPersonalReference,
	MethodPhone,
	MethodPlatformHistory,
	MethodProfessionalLicense,
	MethodTaxID,
	MethodTransactionHistory,
	MethodTwoPartyInPerson,
}

// ParseMethod validates a method name received over the wire.
func ParseMethod(s string) (Method, bool) {
	for _, m := range Methods {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// Level is the qualitative verification band derived from the trust score.
type Level int

const (
	LevelUnverified Level = iota
	LevelMinimal
	LevelStandard
	LevelEnhanced
	LevelComplete
)

func (l Level) String() string {
	switch l {
	case LevelUnverified:
		return "unverified"
	case LevelMinimal:
		return "minimal"
	case LevelStandard:
		return "standard"
	case LevelEnhanced:
		return "enhanced"
	case LevelComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// MethodCompletion is one recorded successful execution of a method.
// Immutable once written except for the revocation fields.
type MethodCompletion struct {
	Method           Method     `json:"method"`
	SequenceIndex    int        `json:"sequence_index"`
	CompletedAt      time.Time  `json:"completed_at"`
	EvidenceRef      []byte     `json:"evidence_ref,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

// EventKind enumerates journal entry kinds.
type EventKind string

const (
	EventMethodStarted       EventKind = "method_started"
	EventMethodCompleted     EventKind = "method_completed"
	EventMethodFailed        EventKind = "method_failed"
	EventMethodRevoked       EventKind = "method_revoked"
	EventMethodExpired       EventKind = "method_expired"
	EventLevelChanged        EventKind = "level_changed"
	EventVerifierConfirmed   EventKind = "verifier_confirmed"
	EventVerifierConfRevoked EventKind = "verifier_confirmation_revoked"
	EventAttestationReceived EventKind = "attestation_received"
	EventSnapshotRebuilt     EventKind = "snapshot_rebuilt"
)

// VerificationEvent is the journal element. Append-only; never mutated.
type VerificationEvent struct {
	Seq            int64                  `json:"seq"`
	At             time.Time              `json:"at"`
	Kind           EventKind              `json:"kind"`
	Method         Method                 `json:"method,omitempty"`
	ActorSubjectID string                 `json:"actor_subject_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	ProtocolRunID  string                 `json:"protocol_run_id,omitempty"`
}

// CommandID returns the idempotency key recorded in the event payload, if any.
func (e *VerificationEvent) CommandID() string {
	if e.Data == nil {
		return ""
	}
	if id, ok := e.Data["command_id"].(string); ok {
		return id
	}
	return ""
}

// RunState is the lifecycle state of a protocol run.
type RunState string

const (
	RunPending        RunState = "pending"
	RunWaiting        RunState = "waiting"
	RunAwaitingReview RunState = "awaiting_review"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
	RunCancelled      RunState = "cancelled"
	RunCompensating   RunState = "compensating"
)

// Terminal reports whether the run can no longer change state.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// ProtocolRun is one execution of a child verification protocol.
type ProtocolRun struct {
	ID         string                 `json:"id"`
	Method     Method                 `json:"method"`
	State      RunState               `json:"state"`
	StartedAt  time.Time              `json:"started_at"`
	Deadline   time.Time              `json:"deadline"`
	Params     map[string]interface{} `json:"params,omitempty"`
	FailReason string                 `json:"fail_reason,omitempty"`
}

// SubjectSnapshot is the derived view of a subject's verification state.
// It must equal the fold of the subject's journal through the scoring model.
type SubjectSnapshot struct {
	SubjectID       string                        `json:"subject_id"`
	Class           SubjectClass                  `json:"class"`
	Score           int                           `json:"score"`
	Level           Level                         `json:"level"`
	Completions     map[Method][]MethodCompletion `json:"completions"`
	ActiveProtocols map[Method]*ProtocolRun       `json:"active_protocols"`
	LastSeq         int64                         `json:"last_seq"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// CredentialKind is a verifier credential.
type CredentialKind string

const (
	CredNotaryPublic          CredentialKind = "notary_public"
	CredAttorney              CredentialKind = "attorney"
	CredCommunityLeader       CredentialKind = "community_leader"
	CredVerifiedBusinessOwner CredentialKind = "verified_business_owner"
	CredOrganizationDirector  CredentialKind = "organization_director"
	CredGovernmentOfficial    CredentialKind = "government_official"
	CredTrustedVerifier       CredentialKind = "trusted_verifier"
)

// VerifierRecord describes a subject who may verify others.
type VerifierRecord struct {
	SubjectID               string           `json:"subject_id"`
	Credentials             []CredentialKind `json:"credentials"`
	Authorized              bool             `json:"authorized"`
	RevokedAt               *time.Time       `json:"revoked_at,omitempty"`
	RevocationReason        string           `json:"revocation_reason,omitempty"`
	SuccessfulConfirmations int              `json:"successful_confirmations"`
}

// HasCredential reports whether the record carries any of the given kinds.
func (vr *VerifierRecord) HasCredential(kinds ...CredentialKind) bool {
	for _, k := range kinds {
		for _, c := range vr.Credentials {
			if c == k {
				return true
			}
		}
	}
	return false
}
