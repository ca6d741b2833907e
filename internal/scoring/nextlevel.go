package scoring

import (
	"sort"
	"time"

	"github.com/1withall/nabr/internal/core"
)

// Path is one suggested set of methods whose added points reach the next level.
type Path struct {
	Methods     []core.Method `json:"methods"`
	TotalPoints int           `json:"total_points"`
	TotalEffort int           `json:"total_effort"`
}

// NextLevel describes what it takes to reach the next verification band.
type NextLevel struct {
	TargetLevel    core.Level `json:"target_level"`
	PointsNeeded   int        `json:"points_needed"`
	SuggestedPaths []Path     `json:"suggested_paths"`
}

// maxPathSize bounds subset enumeration; paths longer than this are only
// suggested as the everything-remaining fallback.
const maxPathSize = 4

const maxSuggestedPaths = 5

// NextLevelFor computes the next target level, the points missing, and a
// ranked list of method subsets that close the gap. Ranking is total-points
// ascending, then total-effort ascending, then lexicographic on method order.
func (md *Model) NextLevelFor(completions map[core.Method][]core.MethodCompletion, class core.SubjectClass, now time.Time) NextLevel {
	score := md.Score(completions, class, now)
	current := LevelFor(score)
	if current == core.LevelComplete {
		return NextLevel{TargetLevel: core.LevelComplete, PointsNeeded: 0}
	}
	target := current + 1
	needed := Thresholds[target] - score

	type candidate struct {
		method core.Method
		points int
		effort int
	}
	var candidates []candidate
	for _, m := range core.Methods {
		p := md.policies[m]
		if !p.AppliesTo(class) {
			continue
		}
		remaining := p.MaxMultiplier - countValid(completions[m], now)
		if remaining <= 0 {
			continue
		}
		candidates = append(candidates, candidate{
			method: m,
			points: remaining * p.BasePoints,
			effort: p.Effort,
		})
	}

	var paths []Path
	// Enumerate subsets up to maxPathSize via index combinations. core.Methods
	// ordering keeps candidate order, and therefore tie-breaks, deterministic.
	var build func(start int, chosen []candidate)
	build = func(start int, chosen []candidate) {
		if len(chosen) > 0 {
			total, effort := 0, 0
			for _, c := range chosen {
				total += c.points
				effort += c.effort
			}
			if total >= needed {
				p := Path{TotalPoints: total, TotalEffort: effort}
				for _, c := range chosen {
					p.Methods = append(p.Methods, c.method)
				}
				paths = append(paths, p)
				return // supersets only add points; skip them
			}
		}
		if len(chosen) == maxPathSize {
			return
		}
		for i := start; i < len(candidates); i++ {
			build(i+1, append(chosen, candidates[i]))
		}
	}
	build(0, nil)

	if len(paths) == 0 && len(candidates) > 0 {
		// No bounded subset reaches the target; offer everything remaining.
		all := Path{}
		for _, c := range candidates {
			all.Methods = append(all.Methods, c.method)
			all.TotalPoints += c.points
			all.TotalEffort += c.effort
		}
		if all.TotalPoints >= needed {
			paths = append(paths, all)
		}
	}

	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].TotalPoints != paths[j].TotalPoints {
			return paths[i].TotalPoints < paths[j].TotalPoints
		}
		if paths[i].TotalEffort != paths[j].TotalEffort {
			return paths[i].TotalEffort < paths[j].TotalEffort
		}
		return lessMethods(paths[i].Methods, paths[j].Methods)
	})
	if len(paths) > maxSuggestedPaths {
		paths = paths[:maxSuggestedPaths]
	}

	return NextLevel{TargetLevel: target, PointsNeeded: needed, SuggestedPaths: paths}
}

func lessMethods(a, b []core.Method) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
