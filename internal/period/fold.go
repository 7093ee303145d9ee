package period

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

type Number interface {
	~int | ~int64 | ~float64
}

// Count is one grouped, per-period tally.
type Count[N Number] struct {
	Period string
	Group  []string
	Value  N
}

// FoldQuarters merges monthly counts into quarterly ones by summing Value over
// the months of each quarter, per group. Rows with an empty or malformed
// period, or an empty group member, are dropped. The result is sorted by
// period, then group.
func FoldQuarters[N Number](rows []Count[N]) []Count[N] {
	type key struct{ period, group string }
	sums := map[key]*Count[N]{}
	for _, r := range rows {
		q, ok := QuarterOf(r.Period)
		if !ok || lo.Contains(r.Group, "") {
			continue
		}
		k := key{q, strings.Join(r.Group, "\x00")}
		c, seen := sums[k]
		if !seen {
			c = &Count[N]{Period: q, Group: r.Group}
			sums[k] = c
		}
		c.Value += r.Value
	}
	out := make([]Count[N], 0, len(sums))
	for _, c := range sums {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return strings.Join(out[i].Group, "\x00") < strings.Join(out[j].Group, "\x00")
	})
	return out
}

// Entity records that Value (a user or project) was active during Period.
type Entity struct {
	Period string
	Value  string
}

type DistinctCount struct {
	Period string
	Count  int
}

// FoldQuartersDistinct counts distinct entities per quarter from monthly
// observations. An entity active in several months of a quarter counts once.
func FoldQuartersDistinct(rows []Entity) []DistinctCount {
	sets := map[string]map[string]struct{}{}
	for _, r := range rows {
		q, ok := QuarterOf(r.Period)
		if !ok || r.Value == "" {
			continue
		}
		if sets[q] == nil {
			sets[q] = map[string]struct{}{}
		}
		sets[q][r.Value] = struct{}{}
	}
	periods := lo.Keys(sets)
	sort.Strings(periods)
	out := make([]DistinctCount, 0, len(periods))
	for _, p := range periods {
		out = append(out, DistinctCount{Period: p, Count: len(sets[p])})
	}
	return out
}
