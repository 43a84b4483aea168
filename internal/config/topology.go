package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// topologyFile is the on-disk farm description. Lists on disk, maps in
// memory; ids must be unique within each list.
type topologyFile struct {
	FarmID   string `json:"farm_id" yaml:"farm_id"`
	Segments []struct {
		ID             string   `json:"id" yaml:"id"`
		DistanceRank   int      `json:"distance_rank" yaml:"distance_rank"`
		RegulatorGates []string `json:"regulator_gates" yaml:"regulator_gates"`
		FedBy          []string `json:"fed_by" yaml:"fed_by"`
		SupplyZone     string   `json:"supply_zone" yaml:"supply_zone"`
	} `json:"segments" yaml:"segments"`
	Gates []struct {
		ID      string  `json:"id" yaml:"id"`
		Type    string  `json:"type" yaml:"type"`
		OpenPct float64 `json:"open_pct" yaml:"open_pct"`
	} `json:"gates" yaml:"gates"`
	Fields []struct {
		ID           string  `json:"id" yaml:"id"`
		AreaMu       float64 `json:"area_mu" yaml:"area_mu"`
		SegmentID    string  `json:"segment_id" yaml:"segment_id"`
		DistanceRank int     `json:"distance_rank" yaml:"distance_rank"`
		InletGateID  string  `json:"inlet_gate_id" yaml:"inlet_gate_id"`
	} `json:"fields" yaml:"fields"`
	Pumps []struct {
		ID         string  `json:"id" yaml:"id"`
		RatedM3PH  float64 `json:"rated_m3ph" yaml:"rated_m3ph"`
		Efficiency float64 `json:"efficiency" yaml:"efficiency"`
		PowerKW    float64 `json:"power_kw" yaml:"power_kw"`
	} `json:"pumps" yaml:"pumps"`
}

// LoadTopology reads a farm topology file (JSON or YAML by extension)
// and cross-checks field/segment/gate references.
func LoadTopology(path string) (*domain.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology file: %w", err)
	}

	var tf topologyFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parse topology YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parse topology JSON: %w", err)
		}
	}

	topo := &domain.Topology{
		FarmID:   tf.FarmID,
		Segments: make(map[string]domain.Segment, len(tf.Segments)),
		Gates:    make(map[string]domain.Gate, len(tf.Gates)),
		Fields:   make(map[string]domain.Field, len(tf.Fields)),
		Pumps:    make(map[string]domain.Pump, len(tf.Pumps)),
	}

	var problems []string
	for _, s := range tf.Segments {
		if _, dup := topo.Segments[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate segment %q", s.ID))
			continue
		}
		topo.Segments[s.ID] = domain.Segment{
			ID:               s.ID,
			DistanceRank:     s.DistanceRank,
			RegulatorGateIDs: s.RegulatorGates,
			FedBy:            s.FedBy,
			SupplyZone:       s.SupplyZone,
		}
	}
	for _, g := range tf.Gates {
		if _, dup := topo.Gates[g.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate gate %q", g.ID))
			continue
		}
		switch domain.GateType(g.Type) {
		case domain.GateMain, domain.GateBranch, domain.GateRegulator, domain.GateInlet, "":
		default:
			problems = append(problems, fmt.Sprintf("gate %q has unknown type %q", g.ID, g.Type))
		}
		topo.Gates[g.ID] = domain.Gate{ID: g.ID, Type: domain.GateType(g.Type), OpenPct: g.OpenPct}
	}
	for _, f := range tf.Fields {
		if _, dup := topo.Fields[f.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate field %q", f.ID))
			continue
		}
		if _, ok := topo.Segments[f.SegmentID]; !ok {
			problems = append(problems, fmt.Sprintf("field %q references unknown segment %q", f.ID, f.SegmentID))
		}
		if f.InletGateID != "" {
			if _, ok := topo.Gates[f.InletGateID]; !ok {
				problems = append(problems, fmt.Sprintf("field %q references unknown gate %q", f.ID, f.InletGateID))
			}
		}
		if f.AreaMu <= 0 {
			problems = append(problems, fmt.Sprintf("field %q has non-positive area", f.ID))
		}
		topo.Fields[f.ID] = domain.Field{
			ID:           f.ID,
			AreaMu:       f.AreaMu,
			SegmentID:    f.SegmentID,
			DistanceRank: f.DistanceRank,
			InletGateID:  f.InletGateID,
		}
	}
	for _, p := range tf.Pumps {
		if _, dup := topo.Pumps[p.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate pump %q", p.ID))
			continue
		}
		if p.RatedM3PH <= 0 {
			problems = append(problems, fmt.Sprintf("pump %q has non-positive rated flow", p.ID))
		}
		topo.Pumps[p.ID] = domain.Pump{
			ID:              p.ID,
			RatedFlowM3PerH: p.RatedM3PH,
			Efficiency:      p.Efficiency,
			PowerKW:         p.PowerKW,
		}
	}

	if len(problems) > 0 {
		return nil, &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return topo, nil
}
