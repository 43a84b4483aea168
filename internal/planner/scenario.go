package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gzpfarm/irrigation-engine/internal/config"
	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// ScenarioOptions extends the plan options with scenario-specific knobs.
type ScenarioOptions struct {
	Options
	// Roster is the full set of pumps available for combination. Order
	// is the pump-on order inside each scenario.
	Roster []string
	// MinFieldsTrigger is the demand size below which scenario
	// generation reports an unmet trigger and produces no scenarios.
	MinFieldsTrigger int
	// StartHourOfDay anchors the plan timeline on the tariff clock.
	StartHourOfDay float64
	Prices         config.PriceSchedule
}

// GenerateScenarios enumerates pump combinations able to cover every
// segment the demand touches, plans each one concurrently, and ranks the
// results by electricity cost. Single pumps are tried first, then pairs,
// then the full roster.
func (p *Planner) GenerateScenarios(ctx context.Context, demand domain.DemandSet, opts ScenarioOptions) (*domain.ScenarioSet, error) {
	if len(opts.Roster) == 0 {
		return nil, domain.ErrEmptyRoster
	}

	segNeeded := make(map[string][]string)
	for _, fd := range demand.Active {
		sid := baseSegmentID(fd.Field.SegmentID)
		if _, seen := segNeeded[sid]; !seen {
			segNeeded[sid] = p.topo.Segments[sid].FedBy
		}
	}
	required := make([]string, 0, len(segNeeded))
	for sid := range segNeeded {
		required = append(required, sid)
	}
	sort.Strings(required)

	analysis := domain.ScenarioAnalysis{
		FieldsToIrrigate:   len(demand.Active),
		FieldsBelowTrigger: len(demand.Active),
		TriggerMet:         len(demand.Active) >= opts.MinFieldsTrigger,
		RequiredSegments:   required,
	}

	set := &domain.ScenarioSet{Analysis: analysis}
	if len(demand.Active) == 0 || !analysis.TriggerMet {
		return set, nil
	}

	combos := coveringCombinations(opts.Roster, segNeeded)
	if len(combos) == 0 {
		return nil, domain.ErrNoReachableField.WithDetail("no pump combination covers segments %v", required)
	}
	for _, c := range combos {
		set.Analysis.ValidCombinations = append(set.Analysis.ValidCombinations, sortedCopy(c))
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, combo := range combos {
		combo := combo
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			planOpts := opts.Options
			planOpts.ActivePumps = combo
			plan, err := p.Build(demand, planOpts)
			if err != nil {
				// One failing combination does not sink the rest.
				return nil
			}

			var covered []string
			for _, sid := range required {
				if segmentReachable(p.topo.Segments[sid], combo) {
					covered = append(covered, sid)
				}
			}

			sc := domain.Scenario{
				Name:            scenarioName(combo),
				PumpIDs:         sortedCopy(combo),
				Plan:            plan,
				CostTotal:       p.electricityCost(plan, combo, opts.Prices, opts.StartHourOfDay),
				TotalETAH:       plan.TotalETAH,
				CoveredSegments: covered,
				PumpRuntimeH:    plan.PumpRuntimeH,
			}

			mu.Lock()
			set.Scenarios = append(set.Scenarios, sc)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(set.Scenarios, func(i, j int) bool {
		a, b := set.Scenarios[i], set.Scenarios[j]
		if a.CostTotal != b.CostTotal {
			return a.CostTotal < b.CostTotal
		}
		return a.Name < b.Name
	})
	return set, nil
}

// coveringCombinations returns the pump subsets able to feed every
// required segment: all covering singles, else all covering pairs, else
// the full roster when it covers.
func coveringCombinations(roster []string, segNeeded map[string][]string) [][]string {
	covers := func(combo []string) bool {
		for _, fedBy := range segNeeded {
			if len(fedBy) == 0 {
				continue
			}
			hit := false
			for _, p := range fedBy {
				if contains(combo, p) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
		return true
	}

	var out [][]string
	for _, p := range roster {
		if covers([]string{p}) {
			out = append(out, []string{p})
		}
	}
	if len(out) > 0 {
		return out
	}
	for i := 0; i < len(roster); i++ {
		for j := i + 1; j < len(roster); j++ {
			combo := []string{roster[i], roster[j]}
			if covers(combo) {
				out = append(out, combo)
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	if len(roster) > 2 && covers(roster) {
		out = append(out, append([]string(nil), roster...))
	}
	return out
}

// electricityCost integrates pump power against the tariff band applying
// at each step's midpoint.
func (p *Planner) electricityCost(plan *domain.Plan, combo []string, prices config.PriceSchedule, startHour float64) float64 {
	var total float64
	for _, step := range plan.Steps {
		dur := step.DurationH()
		if dur <= 0 {
			continue
		}
		mid := startHour + (step.TStartH+step.TEndH)/2
		price := prices.PriceAt(mid)
		for _, id := range combo {
			total += p.topo.Pumps[id].PowerKW * dur * price
		}
	}
	return total
}

func scenarioName(combo []string) string {
	if len(combo) == 1 {
		return fmt.Sprintf("%s alone", combo[0])
	}
	return fmt.Sprintf("%s combined", strings.Join(sortedCopy(combo), "+"))
}
