package domain

// ModificationKind discriminates the variants of a regeneration request.
type ModificationKind string

const (
	ModAddField      ModificationKind = "add_field"
	ModRemoveField   ModificationKind = "remove_field"
	ModReassignPumps ModificationKind = "reassign_pumps"
	ModShiftTime     ModificationKind = "shift_time"
)

// Modification is one requested change to an existing plan. Kind selects
// the variant; only that variant's fields are read.
type Modification struct {
	Kind ModificationKind `json:"kind"`

	// ModAddField
	FieldID       string   `json:"field_id,omitempty"`
	CustomLevelMM *float64 `json:"custom_level_mm,omitempty"`

	// ModReassignPumps and ModShiftTime target a batch through BatchIndex.
	// A reassignment with a zero index applies to every uncompleted batch.
	BatchIndex int `json:"batch_index,omitempty"`

	// ModReassignPumps
	PumpIDs []string `json:"pump_ids,omitempty"`

	// ModShiftTime moves a batch's start and/or changes its length. A zero
	// start with a positive duration keeps the batch's current start; a
	// zero duration keeps its current length.
	NewStartH    float64 `json:"new_start_h,omitempty"`
	DeltaH       float64 `json:"delta_h,omitempty"`
	NewDurationH float64 `json:"new_duration_h,omitempty"`
}

// RegenerationRequest carries the modifications to apply against a plan.
// Force downgrades per-item failures from aborting the request to being
// itemized in the summary.
type RegenerationRequest struct {
	PlanID        string         `json:"plan_id"`
	Modifications []Modification `json:"modifications"`
	Force         bool           `json:"force,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ModificationResult reports the outcome of a single modification.
type ModificationResult struct {
	Modification Modification `json:"modification"`
	Applied      bool         `json:"applied"`
	Error        string       `json:"error,omitempty"`
}

// RegenerationSummary itemizes what a regeneration pass did.
type RegenerationSummary struct {
	PlanID          string               `json:"plan_id"`
	NewPlanID       string               `json:"new_plan_id"`
	Applied         []ModificationResult `json:"applied"`
	Failed          []ModificationResult `json:"failed"`
	BatchesRebuilt  []int                `json:"batches_rebuilt"`
	BatchesReused   []int                `json:"batches_reused"`
	TotalETADeltaH  float64              `json:"total_eta_delta_h"`
	Forced          bool                 `json:"forced,omitempty"`
}
