// Package run drives one research request through its stage machine:
// expansion, the search/verify loop, and the hand-off to the writing
// collaborators. The sequencer is the only component that consults the
// budget for premium gating.
package run

// Stage is one state of the run machine.
type Stage string

const (
	StageExpanding  Stage = "EXPANDING"
	StageSearching  Stage = "SEARCHING"
	StageVerifying  Stage = "VERIFYING"
	StageFinalizing Stage = "FINALIZING"
	StageEditing    Stage = "EDITING"
	StageCiting     Stage = "CITING"
	StagePublished  Stage = "PUBLISHED"
	StageFailed     Stage = "FAILED"
)

// FailReason is the typed cause attached to a FAILED terminal state.
type FailReason string

const (
	ReasonNone            FailReason = ""
	ReasonInvalidQuery    FailReason = "invalid_query"
	ReasonNoSources       FailReason = "no_sources"
	ReasonTimeout         FailReason = "timeout"
	ReasonCanceled        FailReason = "canceled"
	ReasonPremiumRequired FailReason = "premium_required"
	ReasonPublishFailed   FailReason = "publish_failed"
)
