package dataset

import (
	"fmt"
	"sort"
)

// ConcatDataset serves its parts back to back.
type ConcatDataset struct {
	parts []Dataset
	ends  []int
}

// NewConcat joins datasets, skipping empty ones.
func NewConcat(parts ...Dataset) *ConcatDataset {
	c := &ConcatDataset{}
	total := 0
	for _, p := range parts {
		if p == nil || p.Len() == 0 {
			continue
		}
		total += p.Len()
		c.parts = append(c.parts, p)
		c.ends = append(c.ends, total)
	}
	return c
}

// Len implements Dataset.
func (c *ConcatDataset) Len() int {
	if len(c.ends) == 0 {
		return 0
	}
	return c.ends[len(c.ends)-1]
}

// Get implements Dataset.
func (c *ConcatDataset) Get(i int) (Example, error) {
	if i < 0 || i >= c.Len() {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", i, c.Len())
	}
	k := sort.SearchInts(c.ends, i+1)
	start := 0
	if k > 0 {
		start = c.ends[k-1]
	}
	return c.parts[k].Get(i - start)
}

// repeated cycles a dataset up to n items.
type repeated struct {
	Dataset
	n int
}

func (r repeated) Len() int { return r.n }

func (r repeated) Get(i int) (Example, error) {
	if i < 0 || i >= r.n {
		return Example{}, fmt.Errorf("index %d out of range [0, %d)", i, r.n)
	}
	return r.Dataset.Get(i % r.Dataset.Len())
}

// Extend repeats every non-empty dataset up to the length of the longest.
// Empty datasets are dropped.
func Extend(parts ...Dataset) []Dataset {
	longest := 0
	for _, p := range parts {
		if p != nil {
			longest = max(longest, p.Len())
		}
	}
	var out []Dataset
	for _, p := range parts {
		switch {
		case p == nil || p.Len() == 0:
		case p.Len() < longest:
			out = append(out, repeated{Dataset: p, n: longest})
		default:
			out = append(out, p)
		}
	}
	return out
}
