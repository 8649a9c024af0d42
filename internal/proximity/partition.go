package proximity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sci-proximity/internal/entity"
)

// Mode selects how work is split into independent partitions.
type Mode string

const (
	// ModeHomePrefix partitions by a fixed-length home ID prefix (the state
	// for 5-digit county FIPS codes).
	ModeHomePrefix Mode = "home-prefix"
	// ModeTimeStep partitions by chunks of consecutive steps.
	ModeTimeStep Mode = "time-step"
	// ModeNone runs everything as a single partition.
	ModeNone Mode = "none"
)

// ParseMode parses a partition mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeHomePrefix, ModeTimeStep, ModeNone:
		return m, nil
	case "":
		return ModeHomePrefix, nil
	default:
		return "", eris.Errorf("proximity: unknown partition mode %q", s)
	}
}

// Partition is one independent unit of work: a set of homes and a set of
// step indices. Partitions produced by one partitioner are pairwise disjoint
// on (home, step).
type Partition struct {
	Key   string
	Homes HomeSet
	// Steps lists step indices into the outcome series. Nil means all steps.
	Steps []int
}

// All returns the single partition covering every home and step.
func All() Partition { return Partition{Key: "all"} }

// ByHomePrefix returns one partition per distinct n-character prefix among
// homes.
func ByHomePrefix(homes []string, n int) []Partition {
	seen := make(map[string]bool)
	var prefixes []string
	for _, h := range homes {
		p := entity.Prefix(h, n)
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}
	sort.Strings(prefixes)

	parts := make([]Partition, 0, len(prefixes))
	for _, p := range prefixes {
		parts = append(parts, prefixPartition(p, n))
	}
	return parts
}

// ByPrefixes partitions by an explicit prefix list, used when the home
// universe is not known before reading the edge file. A final remainder
// partition takes every home whose prefix is not listed, so no home is
// dropped.
func ByPrefixes(prefixes []string, n int) []Partition {
	listed := make(map[string]bool, len(prefixes))
	parts := make([]Partition, 0, len(prefixes)+1)
	for _, p := range prefixes {
		p = entity.Prefix(p, n)
		if listed[p] {
			continue
		}
		listed[p] = true
		parts = append(parts, prefixPartition(p, n))
	}
	parts = append(parts, Partition{
		Key:   "rest",
		Homes: func(h string) bool { return !listed[entity.Prefix(h, n)] },
	})
	return parts
}

func prefixPartition(p string, n int) Partition {
	return Partition{
		Key:   "prefix=" + p,
		Homes: func(h string) bool { return entity.Prefix(h, n) == p },
	}
}

// ByTimeStep returns partitions of at most chunk consecutive step indices.
// chunk <= 0 means one step per partition.
func ByTimeStep(steps int, chunk int) []Partition {
	if chunk <= 0 {
		chunk = 1
	}
	var parts []Partition
	for start := 0; start < steps; start += chunk {
		end := min(start+chunk, steps)
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		parts = append(parts, Partition{Key: fmt.Sprintf("steps=%d-%d", start, end-1), Steps: idx})
	}
	return parts
}
