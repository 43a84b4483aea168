// Package planner turns a demand set into a capacity-bounded batch plan.
package planner

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// capEpsilon absorbs float drift when comparing deficit against capacity.
const capEpsilon = 1e-9

// Options are the knobs for a single plan computation.
type Options struct {
	TargetDepthMM float64
	TimeWindowH   float64
	ActivePumps   []string
	AllowedZones  []string
	// StartOffsetH shifts the whole step timeline; batch 1 starts here.
	StartOffsetH float64
}

// Planner builds plans against one topology snapshot.
type Planner struct {
	topo *domain.Topology
}

// New returns a planner bound to the given topology.
func New(topo *domain.Topology) *Planner {
	return &Planner{topo: topo}
}

// resolvePumps maps the active roster to pump definitions, preserving
// roster order.
func (p *Planner) resolvePumps(ids []string) ([]domain.Pump, error) {
	pumps := make([]domain.Pump, 0, len(ids))
	for _, id := range ids {
		pd, ok := p.topo.Pumps[id]
		if !ok {
			return nil, domain.ErrPumpNotFound.WithDetail("%s", id)
		}
		pumps = append(pumps, pd)
	}
	return pumps, nil
}

// Build computes a plan for the demand set. An empty demand set yields an
// empty plan with zero ETA. Zero usable pumping capacity is an error;
// capacity shortfalls are never clamped away silently, the final batch
// that cannot fit the window is flagged instead.
func (p *Planner) Build(demand domain.DemandSet, opts Options) (*domain.Plan, error) {
	if opts.TimeWindowH <= 0 {
		return nil, domain.ErrInvalidWindow
	}
	if len(opts.ActivePumps) == 0 {
		return nil, domain.ErrNoCapacity.WithDetail("empty pump roster")
	}
	pumps, err := p.resolvePumps(opts.ActivePumps)
	if err != nil {
		return nil, err
	}

	var flow float64
	for _, pd := range pumps {
		flow += pd.EffectiveFlow()
	}
	if flow <= 0 {
		return nil, domain.ErrNoCapacity.WithDetail("active pumps have zero effective flow")
	}
	capVol := flow * opts.TimeWindowH

	// Reachable segments under the active roster and zone filter.
	reachRank := make(map[string]int)
	filtered := 0
	for sid, seg := range p.topo.Segments {
		if len(opts.AllowedZones) > 0 && seg.SupplyZone != "" && !contains(opts.AllowedZones, seg.SupplyZone) {
			continue
		}
		if segmentReachable(seg, opts.ActivePumps) {
			reachRank[sid] = seg.DistanceRank
		} else {
			filtered++
		}
	}

	eligible := make([]domain.FieldDemand, 0, len(demand.Active))
	for _, fd := range demand.Active {
		if _, ok := reachRank[baseSegmentID(fd.Field.SegmentID)]; !ok {
			continue
		}
		fd.SegmentRank = reachRank[baseSegmentID(fd.Field.SegmentID)]
		eligible = append(eligible, fd)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.SegmentRank != b.SegmentRank {
			return a.SegmentRank < b.SegmentRank
		}
		if a.Field.DistanceRank != b.Field.DistanceRank {
			return a.Field.DistanceRank < b.Field.DistanceRank
		}
		return a.Field.ID < b.Field.ID
	})

	batches := accumulateBatches(eligible, capVol)
	for i := range batches {
		b := &batches[i]
		b.PumpIDs = append([]string(nil), opts.ActivePumps...)
		b.Stats.CapVolM3 = capVol
		// ETA is the true hours the deficit needs, not clamped to the
		// window; a batch over capacity carries the flag instead.
		b.Stats.ETAHours = b.Stats.DeficitVolM3 / flow
		b.TimeExceeded = b.Stats.DeficitVolM3 > capVol+capEpsilon
	}

	steps := make([]domain.Step, 0, len(batches))
	cursor := opts.StartOffsetH
	runtime := make(map[string]float64, len(pumps))
	var totalETA, totalDeficit, totalArea float64
	for _, b := range batches {
		st, ed := cursor, cursor+b.Stats.ETAHours
		cursor = ed
		steps = append(steps, buildStep(p.topo, b, st, ed, opts.ActivePumps, reachRank))
		totalETA += b.Stats.ETAHours
		totalDeficit += b.Stats.DeficitVolM3
		totalArea += b.AreaMu
		for _, id := range opts.ActivePumps {
			runtime[id] += b.Stats.ETAHours
		}
	}

	return &domain.Plan{
		ID: uuid.NewString(),
		Calc: domain.PlanCalc{
			QAvailM3PerH:   flow,
			TimeWindowH:    opts.TimeWindowH,
			TargetDepthMM:  opts.TargetDepthMM,
			ActivePumps:    sortedCopy(opts.ActivePumps),
			FilteredByFeed: filtered,
			SkippedNoLevel: demand.SkippedNoLevel,
			AllowedZones:   opts.AllowedZones,
		},
		Batches:        batches,
		Steps:          steps,
		TotalETAH:      totalETA,
		TotalDeficitM3: totalDeficit,
		TotalAreaMu:    totalArea,
		PumpRuntimeH:   runtime,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

// BuildStep renders a single batch into its timed step under the given
// pump roster, using the roster's reachability for segment ordering.
func (p *Planner) BuildStep(b domain.Batch, startH, endH float64, pumps []string) domain.Step {
	rank := make(map[string]int, len(p.topo.Segments))
	for sid, seg := range p.topo.Segments {
		if segmentReachable(seg, pumps) {
			rank[sid] = seg.DistanceRank
		}
	}
	return buildStep(p.topo, b, startH, endH, pumps, rank)
}

// accumulateBatches groups fields in order, closing a batch when the next
// field's deficit would push it past the capacity volume. A field larger
// than the capacity on its own still forms a batch; it comes out flagged.
func accumulateBatches(fields []domain.FieldDemand, capVol float64) []domain.Batch {
	var batches []domain.Batch
	var cur []domain.FieldDemand
	var accVol, accArea float64

	flush := func() {
		if len(cur) == 0 {
			return
		}
		batches = append(batches, domain.Batch{
			Index:  len(batches) + 1,
			Fields: cur,
			AreaMu: accArea,
			Stats:  domain.BatchStats{DeficitVolM3: accVol},
		})
		cur, accVol, accArea = nil, 0, 0
	}

	for _, fd := range fields {
		if len(cur) > 0 && accVol+fd.DeficitVolumeM3 > capVol+capEpsilon {
			flush()
		}
		cur = append(cur, fd)
		accVol += fd.DeficitVolumeM3
		accArea += fd.Field.AreaMu
	}
	flush()
	return batches
}

func segmentReachable(seg domain.Segment, activePumps []string) bool {
	if len(seg.FedBy) == 0 {
		return true
	}
	for _, p := range seg.FedBy {
		if contains(activePumps, p) {
			return true
		}
	}
	return false
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func sortedCopy(xs []string) []string {
	out := append([]string(nil), xs...)
	sort.Strings(out)
	return out
}

func batchLabel(idx int) string {
	return fmt.Sprintf("batch %d", idx)
}
