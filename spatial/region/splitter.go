// Package region partitions a spatial tile into named regions.
//
// Rules are evaluated in declaration order and a record is assigned to the
// first rule that matches it. Records that match no rule are assigned to
// the Unassigned region; no record is dropped.
package region

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/spatialqc/spatial"
)

// Unassigned is the region of records that match no rule.
const Unassigned = "unassigned"

// Opts controls a Splitter.
type Opts struct {
	// KeepExisting assigns a record that matches no rule to the region
	// already recorded in its region column, if any, instead of Unassigned.
	KeepExisting bool
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{}

// Splitter assigns records to regions.
type Splitter struct {
	rules []Rule
	names []string
	opts  Opts
}

// NewSplitter creates a splitter. Region names must be non-empty, must not
// be Unassigned, and must not contain path separators. Several rules may
// share a name, and their union forms the region.
func NewSplitter(rules []Rule, opts Opts) (*Splitter, error) {
	s := &Splitter{rules: rules, opts: opts}
	seen := map[string]bool{}
	for i, rule := range rules {
		name := rule.Name()
		if err := validateName(name); err != nil {
			return nil, errors.E(err, fmt.Sprintf("region rule %d", i))
		}
		if !seen[name] {
			seen[name] = true
			s.names = append(s.names, name)
		}
	}
	return s, nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return errors.E(errors.Invalid, "empty region name")
	case name == Unassigned:
		return errors.E(errors.Invalid, fmt.Sprintf("region name %q is reserved", name))
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return errors.E(errors.Invalid, fmt.Sprintf("region name %q is not a valid file name", name))
	}
	return nil
}

// Result is the outcome of a split.
type Result struct {
	// Names lists the regions in rule declaration order, followed by
	// Unassigned and then any regions kept from the input.
	Names []string `json:"names"`
	// Regions maps a region name to its records, in input order. The
	// records' Region field is set to the region name.
	Regions map[string][]spatial.BarcodeRecord `json:"-"`
	Counts  map[string]int                     `json:"counts"`
}

// Summary describes the distribution of records over the named regions,
// excluding Unassigned.
type Summary struct {
	Regions    int     `json:"regions"`
	Assigned   int     `json:"assigned"`
	Unassigned int     `json:"unassigned"`
	MinCount   int     `json:"min_count"`
	MaxCount   int     `json:"max_count"`
	MeanCount  float64 `json:"mean_count"`
}

// Split assigns each record of tile to a region.
func (s *Splitter) Split(tile spatial.Tile) Result {
	res := Result{
		Names:   append(append([]string(nil), s.names...), Unassigned),
		Regions: make(map[string][]spatial.BarcodeRecord, len(s.names)+1),
		Counts:  make(map[string]int, len(s.names)+1),
	}
	for _, name := range res.Names {
		res.Counts[name] = 0
	}
	for i := range tile.Records {
		r := tile.Records[i]
		name := s.assign(&r)
		if _, ok := res.Counts[name]; !ok {
			res.Names = append(res.Names, name)
		}
		r.Region = name
		res.Regions[name] = append(res.Regions[name], r)
		res.Counts[name]++
	}
	log.Printf("region: tile %s: %d records in %d regions, %d unassigned",
		tile.ID, len(tile.Records), len(res.Names)-1, res.Counts[Unassigned])
	return res
}

func (s *Splitter) assign(r *spatial.BarcodeRecord) string {
	for _, rule := range s.rules {
		if rule.Match(r) {
			return rule.Name()
		}
	}
	if s.opts.KeepExisting && r.Region != "" && validateName(r.Region) == nil {
		return r.Region
	}
	return Unassigned
}

// Summary summarizes res.
func (res Result) Summary() Summary {
	var sum Summary
	sum.Unassigned = res.Counts[Unassigned]
	for _, name := range res.Names {
		if name == Unassigned {
			continue
		}
		n := res.Counts[name]
		if sum.Regions == 0 || n < sum.MinCount {
			sum.MinCount = n
		}
		if n > sum.MaxCount {
			sum.MaxCount = n
		}
		sum.Regions++
		sum.Assigned += n
	}
	if sum.Regions > 0 {
		sum.MeanCount = float64(sum.Assigned) / float64(sum.Regions)
	}
	return sum
}

// WriteRegions writes one table per non-empty region to
// <dir>/<region><ext>, e.g. ext ".tsv" or ".tsv.gz", and returns the paths
// written by region name. If any write fails, the tables already written
// are removed.
func WriteRegions(ctx context.Context, dir, ext string, res Result) (map[string]string, error) {
	paths := map[string]string{}
	for _, name := range res.Names {
		recs := res.Regions[name]
		if len(recs) == 0 {
			continue
		}
		path := strings.TrimSuffix(dir, "/") + "/" + name + ext
		if err := spatial.WriteTable(ctx, path, recs); err != nil {
			for _, p := range paths {
				if rerr := file.Remove(ctx, p); rerr != nil {
					log.Error.Printf("region: remove %s: %v", p, rerr)
				}
			}
			return nil, err
		}
		paths[name] = path
	}
	return paths, nil
}
