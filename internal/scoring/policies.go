package scoring

import "github.com/1withall/nabr/internal/core"

// Effort ranks how burdensome a method is for the subject. Used only to order
// suggested paths: in-person > document review > attestation > code challenge.
const (
	EffortCodeChallenge  = 1
	EffortAttestation    = 2
	EffortDocumentReview = 3
	EffortInPerson       = 4
)

// ProtocolKind selects which child protocol executes a method.
type ProtocolKind string

const (
	ProtocolCodeChallenge ProtocolKind = "code_challenge"
	ProtocolTwoParty      ProtocolKind = "two_party"
	ProtocolHumanReview   ProtocolKind = "human_review"
	ProtocolAttestation   ProtocolKind = "attestation"
)

// MethodPolicy is the static scoring policy for one verification method.
type MethodPolicy struct {
	BasePoints          int                 `yaml:"base_points" json:"base_points"`
	MaxMultiplier       int                 `yaml:"max_multiplier" json:"max_multiplier"`
	DecayDays           int                 `yaml:"decay_days" json:"decay_days"`
	RequiresHumanReview bool                `yaml:"requires_human_review" json:"requires_human_review"`
	ApplicableClasses   []core.SubjectClass `yaml:"applicable_classes" json:"applicable_classes"`
	Effort              int                 `yaml:"effort" json:"effort"`
	Protocol            ProtocolKind        `yaml:"protocol" json:"protocol"`
}

// AppliesTo reports whether the method counts for the given subject class.
func (p MethodPolicy) AppliesTo(class core.SubjectClass) bool {
	for _, c := range p.ApplicableClasses {
		if c == class {
			return true
		}
	}
	return false
}

var (
	allClasses   = []core.SubjectClass{core.ClassIndividual, core.ClassBusiness, core.ClassOrganization}
	individual   = []core.SubjectClass{core.ClassIndividual}
	business     = []core.SubjectClass{core.ClassBusiness}
	organization = []core.SubjectClass{core.ClassOrganization}
)

// DefaultPolicies returns the authoritative method point table. Deployments
// may override individual entries via the verification.scoring config block.
func DefaultPolicies() map[core.Method]MethodPolicy {
	return map[core.Method]MethodPolicy{
		core.MethodEmail: {
			BasePoints: 30, MaxMultiplier: 1, DecayDays: 365,
			ApplicableClasses: allClasses, Effort: EffortCodeChallenge, Protocol: ProtocolCodeChallenge,
		},
		core.MethodPhone: {
			BasePoints: 30, MaxMultiplier: 1, DecayDays: 365,
			ApplicableClasses: allClasses, Effort: EffortCodeChallenge, Protocol: ProtocolCodeChallenge,
		},
		core.MethodTwoPartyInPerson: {
			BasePoints: 150, MaxMultiplier: 1, DecayDays: 0,
			ApplicableClasses: individual, Effort: EffortInPerson, Protocol: ProtocolTwoParty,
		},
		core.MethodGovernmentID: {
			BasePoints: 100, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: individual, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodBiometric: {
			BasePoints: 100, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: individual, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodPersonalReference: {
			BasePoints: 50, MaxMultiplier: 3, DecayDays: 0,
			ApplicableClasses: individual, Effort: EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodCommunityAttestation: {
			BasePoints: 40, MaxMultiplier: 2, DecayDays: 0,
			ApplicableClasses: individual, Effort: EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodPlatformHistory: {
			BasePoints: 25, MaxMultiplier: 1, DecayDays: 365, RequiresHumanReview: true,
			ApplicableClasses: allClasses, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodTransactionHistory: {
			BasePoints: 25, MaxMultiplier: 1, DecayDays: 365, RequiresHumanReview: true,
			ApplicableClasses: allClasses, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodBusinessLicense: {
			BasePoints: 120, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: business, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodTaxID: {
			BasePoints: 120, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: []core.SubjectClass{core.ClassBusiness, core.ClassOrganization},
			Effort:            EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodBusinessAddress: {
			BasePoints: 50, MaxMultiplier: 1, DecayDays: 365, RequiresHumanReview: true,
			ApplicableClasses: business, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodOwnerVerification: {
			BasePoints: 100, MaxMultiplier: 1, DecayDays: 0,
			ApplicableClasses: business, Effort: EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodBusinessInsurance: {
			BasePoints: 80, MaxMultiplier: 1, DecayDays: 365, RequiresHumanReview: true,
			ApplicableClasses: business, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodProfessionalLicense: {
			BasePoints: 80, MaxMultiplier: 1, DecayDays: 365, RequiresHumanReview: true,
			ApplicableClasses: []core.SubjectClass{core.ClassIndividual, core.ClassBusiness},
			Effort:            EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodBusinessReference: {
			BasePoints: 50, MaxMultiplier: 3, DecayDays: 0,
			ApplicableClasses: business, Effort: EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodCommunityEndorsement: {
			BasePoints: 40, MaxMultiplier: 2, DecayDays: 0,
			ApplicableClasses: []core.SubjectClass{core.ClassBusiness, core.ClassOrganization},
			Effort:            EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodNonprofitStatus: {
			BasePoints: 120, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: organization, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodOrgBylaws: {
			BasePoints: 80, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: organization, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodBoardVerification: {
			BasePoints: 100, MaxMultiplier: 1, DecayDays: 0,
			ApplicableClasses: organization, Effort: EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodMissionAlignment: {
			BasePoints: 60, MaxMultiplier: 1, DecayDays: 0, RequiresHumanReview: true,
			ApplicableClasses: organization, Effort: EffortDocumentReview, Protocol: ProtocolHumanReview,
		},
		core.MethodOrgReference: {
			BasePoints: 50, MaxMultiplier: 3, DecayDays: 0,
			ApplicableClasses: organization, Effort: EffortAttestation, Protocol: ProtocolAttestation,
		},
		core.MethodNotaryVerification: {
			BasePoints: 100, MaxMultiplier: 1, DecayDays: 0,
			ApplicableClasses: allClasses, Effort: EffortInPerson, Protocol: ProtocolAttestation,
		},
	}
}

// Thresholds maps each level to the minimum score that earns it.
var Thresholds = map[core.Level]int{
	core.LevelUnverified: 0,
	core.LevelMinimal:    100,
	core.LevelStandard:   250,
	core.LevelEnhanced:   400,
	core.LevelComplete:   600,
}
