// Package qcfilter removes low-quality spatial barcodes from tiles.
package qcfilter

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/spatialqc/spatial"
)

// Thresholds are the retention thresholds. A barcode is retained iff
// ReadCount >= MinReads, GeneCount >= MinGenes and
// MitoFraction <= MaxMitoFraction.
type Thresholds struct {
	MinReads        int64   `json:"min_reads"`
	MinGenes        int64   `json:"min_genes"`
	MaxMitoFraction float64 `json:"max_mito_fraction"`
}

// DefaultThresholds are the thresholds used when none are configured.
var DefaultThresholds = Thresholds{
	MinReads:        1000,
	MinGenes:        200,
	MaxMitoFraction: 0.20,
}

// Validate checks that the thresholds are in range.
func (t Thresholds) Validate() error {
	if t.MinReads < 0 || t.MinGenes < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative threshold: min_reads %d, min_genes %d", t.MinReads, t.MinGenes))
	}
	if !(t.MaxMitoFraction >= 0 && t.MaxMitoFraction <= 1) {
		return errors.E(errors.Invalid, fmt.Sprintf("max_mito_fraction %g is outside [0, 1]", t.MaxMitoFraction))
	}
	return nil
}

// Rejection reasons. A record failing several thresholds counts under
// each of them.
const (
	ReasonLowReads = "low_reads"
	ReasonLowGenes = "low_genes"
	ReasonHighMito = "high_mito"
)

// Stats summarizes one filtering pass.
type Stats struct {
	TileID        string         `json:"tile_id"`
	InputCount    int            `json:"input_count"`
	RetainedCount int            `json:"retained_count"`
	RetentionRate float64        `json:"retention_rate"`
	Rejections    map[string]int `json:"rejections"`

	// Summaries of the retained barcodes; zero if none are retained.
	MeanReads        float64 `json:"mean_reads"`
	MedianGenes      float64 `json:"median_genes"`
	MeanMitoFraction float64 `json:"mean_mito_fraction"`
}

// reasons returns the thresholds r violates.
func (t Thresholds) reasons(r *spatial.BarcodeRecord, dst []string) []string {
	dst = dst[:0]
	if r.ReadCount < t.MinReads {
		dst = append(dst, ReasonLowReads)
	}
	if r.GeneCount < t.MinGenes {
		dst = append(dst, ReasonLowGenes)
	}
	if r.MitoFraction > t.MaxMitoFraction {
		dst = append(dst, ReasonHighMito)
	}
	return dst
}

// Pass reports whether r meets all thresholds.
func (t Thresholds) Pass(r *spatial.BarcodeRecord) bool {
	return r.ReadCount >= t.MinReads && r.GeneCount >= t.MinGenes && r.MitoFraction <= t.MaxMitoFraction
}

// Filter returns a tile holding the records of tile that meet the
// thresholds, in their original order, and the filtering statistics.
// Records are copied, never modified. An empty tile yields an empty result.
func Filter(tile spatial.Tile, th Thresholds) (spatial.Tile, Stats, error) {
	if err := th.Validate(); err != nil {
		return spatial.Tile{}, Stats{}, err
	}
	stats := Stats{
		TileID:     tile.ID,
		InputCount: len(tile.Records),
		Rejections: map[string]int{ReasonLowReads: 0, ReasonLowGenes: 0, ReasonHighMito: 0},
	}
	var (
		kept    = make([]spatial.BarcodeRecord, 0, len(tile.Records))
		reasons []string
	)
	for i := range tile.Records {
		r := &tile.Records[i]
		reasons = th.reasons(r, reasons)
		if len(reasons) == 0 {
			kept = append(kept, *r)
			continue
		}
		for _, reason := range reasons {
			stats.Rejections[reason]++
		}
	}
	stats.RetainedCount = len(kept)
	if stats.InputCount > 0 {
		stats.RetentionRate = float64(stats.RetainedCount) / float64(stats.InputCount)
	}
	summarize(kept, &stats)
	log.Printf("qcfilter: tile %s: retained %d of %d barcodes", tile.ID, stats.RetainedCount, stats.InputCount)
	return tile.WithRecords(kept), stats, nil
}

func summarize(kept []spatial.BarcodeRecord, stats *Stats) {
	if len(kept) == 0 {
		return
	}
	var reads, mito float64
	genes := make([]int64, len(kept))
	for i := range kept {
		reads += float64(kept[i].ReadCount)
		mito += kept[i].MitoFraction
		genes[i] = kept[i].GeneCount
	}
	n := float64(len(kept))
	stats.MeanReads = reads / n
	stats.MeanMitoFraction = mito / n
	sort.Slice(genes, func(i, j int) bool { return genes[i] < genes[j] })
	if m := len(genes) / 2; len(genes)%2 == 1 {
		stats.MedianGenes = float64(genes[m])
	} else {
		stats.MedianGenes = float64(genes[m-1]+genes[m]) / 2
	}
}

// FilterAll filters independent tiles concurrently. Results are in the
// order of tiles. It returns the first error encountered.
func FilterAll(tiles []spatial.Tile, th Thresholds) ([]spatial.Tile, []Stats, error) {
	if err := th.Validate(); err != nil {
		return nil, nil, err
	}
	out := make([]spatial.Tile, len(tiles))
	stats := make([]Stats, len(tiles))
	err := traverse.Each(len(tiles), func(i int) error {
		var err error
		out[i], stats[i], err = Filter(tiles[i], th)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, stats, nil
}
