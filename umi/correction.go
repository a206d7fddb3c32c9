package umi

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/log"
)

type snapCorrectorEntry struct {
	knownUMI string
	edits    int
	ok       bool
}

// SnapCorrector implements "snap" correction of UMIs. A umi U is
// snappable if there is a known umi U1 that is closer to U than all
// other known umis, in terms of Levenshtein edit distance.
//
// Corrections are computed on first use and memoized, so the cost is
// proportional to the number of distinct observed UMIs rather than to the
// size of the UMI space. SnapCorrector is not threadsafe.
type SnapCorrector struct {
	knownUMIs []string
	k         int
	// correctionTable memoizes the outcome for each observed umi.
	correctionTable map[string]snapCorrectorEntry
}

// NewSnapCorrector creates a new snap corrector from a list of known UMIs.
// All UMIs must have the same length and consist of characters ACGT.
func NewSnapCorrector(knownUMIs []string) (*SnapCorrector, error) {
	log.Debug.Printf("Building snappable UMI correction table")
	known := make([]string, 0, len(knownUMIs))
	seen := map[string]bool{}
	k := -1
	for _, umi := range knownUMIs {
		umi = strings.ToUpper(strings.TrimSpace(umi))
		if umi == "" {
			continue
		}
		if k < 0 {
			k = len(umi)
		}
		if len(umi) != k {
			return nil, fmt.Errorf("umi %s has length %d, other umis have length %d", umi, len(umi), k)
		}
		if err := validateUMI(umi, false); err != nil {
			return nil, err
		}
		if !seen[umi] {
			seen[umi] = true
			known = append(known, umi)
		}
	}
	if k < 0 {
		return nil, fmt.Errorf("no umis in input")
	}
	return &SnapCorrector{
		knownUMIs:       known,
		k:               k,
		correctionTable: map[string]snapCorrectorEntry{},
	}, nil
}

// Len returns the length of the known UMIs.
func (c *SnapCorrector) Len() int { return c.k }

// CorrectUMI returns a corrected umi, number of edits to the
// corrected umi, and true if there is exactly one known UMI that is
// closest to the original umi with respect to Levenshtein edit
// distance and it differs from umi. A umi that equals a known UMI is
// returned with 0 edits and false. Otherwise, CorrectUMI returns the
// original umi, -1, and false.
func (c *SnapCorrector) CorrectUMI(umi string) (correctedUMI string, edits int, corrected bool) {
	umi = strings.ToUpper(umi)
	entry, ok := c.correctionTable[umi]
	if !ok {
		entry = c.snap(umi)
		c.correctionTable[umi] = entry
	}
	if entry.ok {
		return entry.knownUMI, entry.edits, entry.knownUMI != umi
	}
	return umi, -1, false
}

func (c *SnapCorrector) snap(umi string) snapCorrectorEntry {
	if validateUMI(umi, true) != nil {
		return snapCorrectorEntry{}
	}
	var (
		best     = -1
		bestUMI  string
		nWithMin int
	)
	for _, known := range c.knownUMIs {
		cost := matchr.Levenshtein(umi, known)
		switch {
		case best < 0 || cost < best:
			best, bestUMI, nWithMin = cost, known, 1
		case cost == best:
			nWithMin++
		}
	}
	if nWithMin != 1 {
		return snapCorrectorEntry{}
	}
	log.Debug.Printf("%s snaps to %s with cost %d", umi, bestUMI, best)
	return snapCorrectorEntry{knownUMI: bestUMI, edits: best, ok: true}
}

func validateUMI(umi string, allowN bool) error {
	for i := 0; i < len(umi); i++ {
		switch umi[i] {
		case 'A', 'C', 'G', 'T':
		case 'N':
			if !allowN {
				return fmt.Errorf("invalid base N in known umi %v", umi)
			}
		default:
			return fmt.Errorf("invalid base %c in umi %v", umi[i], umi)
		}
	}
	return nil
}
