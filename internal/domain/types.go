// Package domain defines the core types for the irrigation planning engine.
package domain

import "time"

// CubicMetersPerMuMM converts an irrigation depth over an area into a
// volume: 1 mu of land covered 1 mm deep holds roughly 0.666667 m³.
const CubicMetersPerMuMM = 0.666667

// GateType classifies a controllable gate on the canal network.
type GateType string

const (
	GateMain      GateType = "main-g"
	GateBranch    GateType = "branch-g"
	GateRegulator GateType = "regulator"
	GateInlet     GateType = "inlet-g"
)

// Field is the smallest irrigable unit. WaterLevelMM is nil when no usable
// reading exists; such fields are excluded from planning, never defaulted.
type Field struct {
	ID           string   `json:"id"`
	AreaMu       float64  `json:"area_mu"`
	SegmentID    string   `json:"segment_id"`
	DistanceRank int      `json:"distance_rank"`
	WaterLevelMM *float64 `json:"water_level_mm,omitempty"`
	InletGateID  string   `json:"inlet_gate_id,omitempty"`
}

// Segment is a contiguous canal reach feeding a group of fields.
// FedBy names the pumps able to supply it; an empty list means any pump.
type Segment struct {
	ID               string   `json:"id"`
	DistanceRank     int      `json:"distance_rank"`
	RegulatorGateIDs []string `json:"regulator_gate_ids,omitempty"`
	FedBy            []string `json:"fed_by,omitempty"`
	SupplyZone       string   `json:"supply_zone,omitempty"`
}

// Gate is a controllable valve on the network.
type Gate struct {
	ID      string   `json:"id"`
	Type    GateType `json:"type"`
	OpenPct float64  `json:"open_pct"`
}

// Pump is a flow source. Pump definitions are configuration and stay
// immutable for the duration of a single plan computation.
type Pump struct {
	ID              string  `json:"id"`
	RatedFlowM3PerH float64 `json:"rated_m3ph"`
	Efficiency      float64 `json:"efficiency"`
	PowerKW         float64 `json:"power_kw"`
}

// EffectiveFlow is the usable flow of the pump in m³/h.
func (p Pump) EffectiveFlow() float64 {
	eff := p.Efficiency
	if eff <= 0 {
		eff = 0.8
	}
	return p.RatedFlowM3PerH * eff
}

// Topology is the read-only network snapshot a plan is computed against.
type Topology struct {
	FarmID   string             `json:"farm_id"`
	Segments map[string]Segment `json:"segments"`
	Gates    map[string]Gate    `json:"gates"`
	Fields   map[string]Field   `json:"fields"`
	Pumps    map[string]Pump    `json:"pumps"`
}

// FieldDemand is one field's share of the active demand set.
type FieldDemand struct {
	Field           Field   `json:"field"`
	DeficitMM       float64 `json:"deficit_mm"`
	DeficitVolumeM3 float64 `json:"deficit_volume_m3"`
	SegmentRank     int     `json:"segment_rank"`
}

// DemandSet is the output of the demand evaluator: the fields needing
// water plus an account of everything left out and why.
type DemandSet struct {
	Active         []FieldDemand          `json:"active"`
	SkippedNoLevel []string               `json:"skipped_no_level"`
	Satisfied      []string               `json:"satisfied"`
	QualityCounts  map[ReadingQuality]int `json:"quality_counts,omitempty"`
	TargetDepthMM  float64                `json:"target_depth_mm"`
}

// TotalDeficitM3 sums the deficit volume over the active set.
func (d DemandSet) TotalDeficitM3() float64 {
	var sum float64
	for _, fd := range d.Active {
		sum += fd.DeficitVolumeM3
	}
	return sum
}

// BatchStats holds the aggregate numbers for one batch.
type BatchStats struct {
	DeficitVolM3 float64 `json:"deficit_vol_m3"`
	CapVolM3     float64 `json:"cap_vol_m3"`
	ETAHours     float64 `json:"eta_h"`
}

// Batch is a capacity-bounded group of fields irrigated concurrently.
// Field order is execution order. TimeExceeded marks the final batch of a
// plan whose deficit cannot fit the time window; such a batch is closed
// and flagged, never split.
type Batch struct {
	Index        int           `json:"index"`
	Fields       []FieldDemand `json:"fields"`
	AreaMu       float64       `json:"area_mu"`
	Stats        BatchStats    `json:"stats"`
	PumpIDs      []string      `json:"pump_ids"`
	TimeExceeded bool          `json:"time_exceeded,omitempty"`
}

// FieldIDs returns the batch's field ids in execution order.
func (b Batch) FieldIDs() []string {
	ids := make([]string, len(b.Fields))
	for i, f := range b.Fields {
		ids[i] = f.Field.ID
	}
	return ids
}

// CommandAction is a device-level verb in a batch sequence.
type CommandAction string

const (
	ActionStart CommandAction = "start"
	ActionStop  CommandAction = "stop"
	ActionSet   CommandAction = "set"
)

// Command is one timed device instruction.
type Command struct {
	Action  CommandAction `json:"action"`
	Target  string        `json:"target"`
	Value   *float64      `json:"value,omitempty"`
	TStartH float64       `json:"t_start_h"`
	TEndH   float64       `json:"t_end_h"`
}

// GateSetting records the open percentage chosen for a gate in a batch.
type GateSetting struct {
	GateID  string   `json:"gate_id"`
	OpenPct float64  `json:"open_pct"`
	Type    GateType `json:"type"`
}

// Sequence is the structured per-batch ordering: pumps on, gate settings
// with closes emitted before opens, field activations, pumps off.
type Sequence struct {
	PumpsOn    []string      `json:"pumps_on"`
	GatesOpen  []string      `json:"gates_open"`
	GatesClose []string      `json:"gates_close"`
	GatesSet   []GateSetting `json:"gates_set"`
	Fields     []string      `json:"fields"`
	PumpsOff   []string      `json:"pumps_off"`
}

// OrderItemType tags an entry in a step's total ordering.
type OrderItemType string

const (
	OrderPumpOn  OrderItemType = "pump_on"
	OrderGateSet OrderItemType = "gate_set"
	OrderField   OrderItemType = "field"
	OrderPumpOff OrderItemType = "pump_off"
)

// OrderItem is one entry in the replay ordering of a step.
type OrderItem struct {
	Type        OrderItemType `json:"type"`
	ID          string        `json:"id"`
	OpenPct     *float64      `json:"open_pct,omitempty"`
	InletGateID string        `json:"inlet_gate_id,omitempty"`
}

// Step is the executable rendering of a batch: absolute start/end hours
// relative to the plan origin, flattened commands, and a total ordering.
type Step struct {
	BatchIndex int         `json:"batch_index"`
	TStartH    float64     `json:"t_start_h"`
	TEndH      float64     `json:"t_end_h"`
	Label      string      `json:"label"`
	Commands   []Command   `json:"commands"`
	Sequence   Sequence    `json:"sequence"`
	FullOrder  []OrderItem `json:"full_order"`
}

// DurationH is the step's length in hours.
func (s Step) DurationH() float64 { return s.TEndH - s.TStartH }

// PlanCalc carries the inputs and filter accounting a plan was built from.
type PlanCalc struct {
	QAvailM3PerH   float64  `json:"q_avail_m3ph"`
	TimeWindowH    float64  `json:"time_window_h"`
	TargetDepthMM  float64  `json:"target_depth_mm"`
	ActivePumps    []string `json:"active_pumps"`
	FilteredByFeed int      `json:"filtered_by_feed"`
	SkippedNoLevel []string `json:"skipped_no_level,omitempty"`
	AllowedZones   []string `json:"allowed_zones,omitempty"`
}

// Plan is an immutable schedule snapshot. Every mutation produces a new
// Plan value; regeneration never edits one in place.
type Plan struct {
	ID             string             `json:"id"`
	Calc           PlanCalc           `json:"calc"`
	Batches        []Batch            `json:"batches"`
	Steps          []Step             `json:"steps"`
	TotalETAH      float64            `json:"total_eta_h"`
	TotalDeficitM3 float64            `json:"total_deficit_m3"`
	TotalAreaMu    float64            `json:"total_area_mu"`
	PumpRuntimeH   map[string]float64 `json:"pump_runtime_h,omitempty"`
	GeneratedAt    time.Time          `json:"generated_at"`
}

// FieldIDSet collects every field id scheduled anywhere in the plan.
func (p *Plan) FieldIDSet() map[string]bool {
	set := make(map[string]bool)
	for _, b := range p.Batches {
		for _, f := range b.Fields {
			set[f.Field.ID] = true
		}
	}
	return set
}

// BatchByIndex returns the batch with the given 1-based index.
func (p *Plan) BatchByIndex(idx int) (Batch, bool) {
	for _, b := range p.Batches {
		if b.Index == idx {
			return b, true
		}
	}
	return Batch{}, false
}

// Scenario is one candidate pump-combination plan, read-only once built.
type Scenario struct {
	Name            string             `json:"name"`
	PumpIDs         []string           `json:"pump_ids"`
	Plan            *Plan              `json:"plan"`
	CostTotal       float64            `json:"cost_total"`
	TotalETAH       float64            `json:"total_eta_h"`
	CoveredSegments []string           `json:"covered_segments"`
	PumpRuntimeH    map[string]float64 `json:"pump_runtime_h"`
}

// ScenarioAnalysis summarizes the demand that drove scenario generation.
type ScenarioAnalysis struct {
	FieldsToIrrigate   int        `json:"fields_to_irrigate"`
	FieldsBelowTrigger int        `json:"fields_below_trigger"`
	TriggerMet         bool       `json:"trigger_met"`
	RequiredSegments   []string   `json:"required_segments"`
	ValidCombinations  [][]string `json:"valid_combinations"`
}

// ScenarioSet is the ranked output of the scenario generator.
type ScenarioSet struct {
	Analysis  ScenarioAnalysis `json:"analysis"`
	Scenarios []Scenario       `json:"scenarios"`
}
