// Package funnel implements C6: the multi-round elimination funnel. Round
// math is grounded directly on original_source/scanner.py's
// build_dynamic_rounds and the preset table in spec.md §4.6.
package funnel

// RoundSpec is one round of the funnel: the download size to use and how
// many survivors to keep afterward.
type RoundSpec struct {
	SizeBytes int64
	KeepPct   int
	KeepMin   int
	KeepMax   int
}

// Preset is one of the three fixed mode presets.
type Preset struct {
	Name         string
	LatencyCutPct int
	Rounds       []RoundSpec
}

var presets = map[string]Preset{
	"quick": {
		Name: "quick", LatencyCutPct: 50,
		Rounds: []RoundSpec{
			{SizeBytes: 1_000_000, KeepPct: 100, KeepMin: 50, KeepMax: 100},
			{SizeBytes: 5_000_000, KeepPct: 20, KeepMin: 10, KeepMax: 20},
		},
	},
	"normal": {
		Name: "normal", LatencyCutPct: 40,
		Rounds: []RoundSpec{
			{SizeBytes: 1_000_000, KeepPct: 100, KeepMin: 50, KeepMax: 200},
			{SizeBytes: 5_000_000, KeepPct: 25, KeepMin: 20, KeepMax: 50},
			{SizeBytes: 20_000_000, KeepPct: 10, KeepMin: 10, KeepMax: 20},
		},
	},
	"thorough": {
		Name: "thorough", LatencyCutPct: 15,
		Rounds: []RoundSpec{
			{SizeBytes: 5_000_000, KeepPct: 100, KeepMin: 0, KeepMax: 0},
			{SizeBytes: 25_000_000, KeepPct: 25, KeepMin: 30, KeepMax: 150},
			{SizeBytes: 50_000_000, KeepPct: 10, KeepMin: 15, KeepMax: 50},
		},
	},
}

// PresetFor returns the named preset, defaulting to "normal" for unknown names.
func PresetFor(mode string) Preset {
	if p, ok := presets[mode]; ok {
		return p
	}
	return presets["normal"]
}

// ResolvedRound is one round after applying the clamp rule to a concrete
// alive-IP count.
type ResolvedRound struct {
	SizeBytes int64
	Keep      int
}

// BuildRounds applies §4.6 steps 2-4: if aliveCount <= 50, every round keeps
// all survivors (no funnel). Otherwise each round keeps
// clamp(int(len*pct/100), min, max) IPs (ignoring max when max<=0).
func BuildRounds(mode string, aliveCount int) []ResolvedRound {
	preset := PresetFor(mode)
	smallSet := aliveCount <= 50

	var out []ResolvedRound
	for _, r := range preset.Rounds {
		var keep int
		if smallSet {
			keep = aliveCount
		} else {
			if r.KeepPct >= 100 {
				keep = aliveCount
			} else {
				keep = aliveCount * r.KeepPct / 100
			}
			if r.KeepMin > 0 && keep < r.KeepMin {
				keep = r.KeepMin
			}
			if r.KeepMax > 0 && keep > r.KeepMax {
				keep = r.KeepMax
			}
		}
		if keep > aliveCount {
			keep = aliveCount
		}
		if keep > 0 {
			out = append(out, ResolvedRound{SizeBytes: r.SizeBytes, Keep: keep})
		}
	}
	return out
}

// LatencyCutCount returns how many of the slowest IPs to drop before round 1,
// per §4.6 step 2 (only applied when aliveCount >= 50 and the preset's cut is
// nonzero).
func LatencyCutCount(mode string, aliveCount int) int {
	preset := PresetFor(mode)
	if aliveCount < 50 || preset.LatencyCutPct <= 0 {
		return 0
	}
	return aliveCount * preset.LatencyCutPct / 100
}
