package planner

import (
	"sort"
	"strings"

	"github.com/gzpfarm/irrigation-engine/internal/domain"
)

// gateSeq extracts the gate sequence number from ids like "S4-G24".
// Returns -1 when the id does not carry one.
func gateSeq(id string) int {
	i := strings.Index(id, "-G")
	if i < 0 {
		return -1
	}
	num := 0
	seen := false
	for _, ch := range id[i+2:] {
		if ch < '0' || ch > '9' {
			continue
		}
		num = num*10 + int(ch-'0')
		seen = true
	}
	if !seen {
		return -1
	}
	return num
}

// baseSegmentID strips a gate suffix: "S4-G24" becomes "S4".
func baseSegmentID(segID string) string {
	if i := strings.Index(segID, "-G"); i >= 0 {
		return segID[:i]
	}
	return segID
}

// fieldGateSeq resolves the gate number a field draws from: the inlet
// gate if set, otherwise the "Sx-Gy" prefix of the field's own id.
func fieldGateSeq(f domain.Field) int {
	gid := f.InletGateID
	if gid == "" {
		if i := strings.Index(f.ID, "-F"); i >= 0 {
			gid = f.ID[:i]
		}
	}
	if gid == "" {
		return -1
	}
	return gateSeq(gid)
}

// regulatorsForSegment lists the segment's controllable gates in gate
// sequence order: declared regulators first, then gates inferred from the
// "<sid>-G" prefix, then inlet-gate guesses from the fields themselves.
func regulatorsForSegment(topo *domain.Topology, sid string, flist []domain.FieldDemand) []string {
	var regs []string

	if seg, ok := topo.Segments[sid]; ok {
		regs = append(regs, seg.RegulatorGateIDs...)
	}

	if len(regs) == 0 {
		var cand []string
		for gid, g := range topo.Gates {
			switch g.Type {
			case domain.GateMain, domain.GateBranch, domain.GateRegulator:
				if strings.HasPrefix(gid, sid+"-G") {
					cand = append(cand, gid)
				}
			}
		}
		regs = append(regs, cand...)
	}

	if len(regs) == 0 {
		guess := make(map[string]bool)
		for _, fd := range flist {
			gid := fd.Field.InletGateID
			if gid == "" {
				if i := strings.Index(fd.Field.ID, "-F"); i >= 0 {
					gid = fd.Field.ID[:i]
				}
			}
			if gid != "" && strings.HasPrefix(gid, sid+"-G") {
				guess[gid] = true
			}
		}
		for gid := range guess {
			regs = append(regs, gid)
		}
	}

	seen := make(map[string]bool, len(regs))
	uniq := regs[:0]
	for _, g := range regs {
		if !seen[g] {
			seen[g] = true
			uniq = append(uniq, g)
		}
	}
	sort.Slice(uniq, func(i, j int) bool {
		a, b := gateSeq(uniq[i]), gateSeq(uniq[j])
		if a < 0 {
			a = 1 << 30
		}
		if b < 0 {
			b = 1 << 30
		}
		if a != b {
			return a < b
		}
		return uniq[i] < uniq[j]
	})
	return uniq
}

// openPctForGate decides 0 or 100 for a regulating gate against the
// comparison field set. A main canal gate closes when every compared
// field sits past it (all Gy > k); a branch gate closes when every field
// of its own branch sits before it (all Gy < k). No comparable fields
// means closed.
func openPctForGate(gid string, gtype domain.GateType, cmp []domain.FieldDemand) float64 {
	k := gateSeq(gid)
	if k < 0 {
		return 0
	}
	var seqs []int
	for _, fd := range cmp {
		if gy := fieldGateSeq(fd.Field); gy >= 0 {
			seqs = append(seqs, gy)
		}
	}
	if len(seqs) == 0 {
		return 0
	}
	if gtype == domain.GateMain {
		for _, gy := range seqs {
			if gy <= k {
				return 100
			}
		}
		return 0
	}
	for _, gy := range seqs {
		if gy >= k {
			return 100
		}
	}
	return 0
}

/// buildStep renders one batch into its timed step: gate settings for every
// involved segment plus every segment carrying a main canal gate, the
// replay ordering, and the flattened command list with gate closes
// emitted before opens.
func buildStep(topo *domain.Topology, b domain.Batch, st, ed float64, pumpsOn []string, segRank map[string]int) domain.Step {
	pumpsOff := make([]string, len(pumpsOn))
	for i, id := range pumpsOn {
		pumpsOff[len(pumpsOn)-1-i] = id
	}

	segFields := make(map[string][]domain.FieldDemand)
	for _, fd := range b.Fields {
		sid := baseSegmentID(fd.Field.SegmentID)
		segFields[sid] = append(segFields[sid], fd)
	}

	sidSet := make(map[string]bool, len(segFields))
	for sid := range segFields {
		sidSet[sid] = true
	}
	// Segments with a main canal gate participate even without fields.
	for sid := range topo.Segments {
		for _, gid := range regulatorsForSegment(topo, sid, segFields[sid]) {
			if topo.Gates[gid].Type == domain.GateMain {
				sidSet[sid] = true
				break
			}
		}
	}

	sids := make([]string, 0, len(sidSet))
	for sid := range sidSet {
		sids = append(sids, sid)
	}
	sort.Slice(sids, func(i, j int) bool {
		ri, ok := segRank[sids[i]]
		if !ok {
			ri = 1 << 30
		}
		rj, ok := segRank[sids[j]]
		if !ok {
			rj = 1 << 30
		}
		if ri != rj {
			return ri < rj
		}
		return sids[i] < sids[j]
	})

	var gatesSet []domain.GateSetting
	var gatesOpen, gatesClose []string
	for _, sid := range sids {
		same := segFields[sid]
		for _, gid := range regulatorsForSegment(topo, sid, same) {
			gtype := domain.GateRegulator
			if g, ok := topo.Gates[gid]; ok && g.Type != "" {
				gtype = g.Type
			}
			cmp := same
			if gtype == domain.GateMain {
				cmp = nil
				for _, fd := range b.Fields {
					if baseSegmentID(fd.Field.SegmentID) != sid {
						cmp = append(cmp, fd)
					}
				}
			}
			pct := openPctForGate(gid, gtype, cmp)
			gatesSet = append(gatesSet, domain.GateSetting{GateID: gid, OpenPct: pct, Type: gtype})
			if pct > 0 {
				gatesOpen = append(gatesOpen, gid)
			} else {
				gatesClose = append(gatesClose, gid)
			}
		}
	}

	var full []domain.OrderItem
	for _, id := range pumpsOn {
		full = append(full, domain.OrderItem{Type: domain.OrderPumpOn, ID: id})
	}
	for _, g := range gatesSet {
		pct := g.OpenPct
		full = append(full, domain.OrderItem{Type: domain.OrderGateSet, ID: g.GateID, OpenPct: &pct})
	}
	for _, fd := range b.Fields {
		full = append(full, domain.OrderItem{
			Type:        domain.OrderField,
			ID:          fd.Field.ID,
			InletGateID: fd.Field.InletGateID,
		})
	}
	for _, id := range pumpsOff {
		full = append(full, domain.OrderItem{Type: domain.OrderPumpOff, ID: id})
	}

	var cmds []domain.Command
	for _, id := range pumpsOn {
		cmds = append(cmds, domain.Command{Action: domain.ActionStart, Target: id, TStartH: st, TEndH: ed})
	}
	emitGate := func(g domain.GateSetting) {
		pct := g.OpenPct
		cmds = append(cmds, domain.Command{Action: domain.ActionSet, Target: g.GateID, Value: &pct, TStartH: st, TEndH: ed})
	}
	for _, g := range gatesSet {
		if g.OpenPct == 0 {
			emitGate(g)
		}
	}
	for _, g := range gatesSet {
		if g.OpenPct > 0 {
			emitGate(g)
		}
	}
	for _, id := range pumpsOff {
		cmds = append(cmds, domain.Command{Action: domain.ActionStop, Target: id, TStartH: st, TEndH: ed})
	}

	return domain.Step{
		BatchIndex: b.Index,
		TStartH:    st,
		TEndH:      ed,
		Label:      batchLabel(b.Index),
		Commands:   cmds,
		Sequence: domain.Sequence{
			PumpsOn:    pumpsOn,
			GatesOpen:  gatesOpen,
			GatesClose: gatesClose,
			GatesSet:   gatesSet,
			Fields:     b.FieldIDs(),
			PumpsOff:   pumpsOff,
		},
		FullOrder: full,
	}
}
