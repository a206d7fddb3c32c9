// Package pipeline exposes each QC and transformation stage as one
// synchronous call taking a request and returning a complete result or a
// single error. Operations that write files remove their partial outputs on
// error.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/spatialqc/align"
	"github.com/grailbio/spatialqc/annotation"
	"github.com/grailbio/spatialqc/encoding/fasta"
	"github.com/grailbio/spatialqc/encoding/fastq"
	"github.com/grailbio/spatialqc/fastqc"
	"github.com/grailbio/spatialqc/reference"
	"github.com/grailbio/spatialqc/spatial"
	"github.com/grailbio/spatialqc/spatial/qcfilter"
	"github.com/grailbio/spatialqc/spatial/region"
	"github.com/grailbio/spatialqc/spatial/tilemerge"
	"github.com/grailbio/spatialqc/umi"
)

// Operation names, as used in metrics and logs.
const (
	OpValidate    = "validate"
	OpExtractUMI  = "extract_umi"
	OpAcquire     = "acquire"
	OpLookupGene  = "lookup_gene"
	OpLookupRange = "lookup_range"
	OpFilter      = "filter"
	OpSplit       = "split"
	OpMerge       = "merge"
	OpAlign       = "align"
)

// Pipeline runs pipeline operations under one configuration. It is safe for
// concurrent use.
type Pipeline struct {
	cfg     Config
	rs      umi.ReadStructure
	mateRS  umi.ReadStructure
	cache   *reference.Cache
	index   *annotation.Index
	metrics *Metrics
}

// New creates a Pipeline. It fails if the merge policy, a configured genome
// ID, the filter thresholds, or a read structure is invalid. Fetchers
// replace the reference cache's default fetchers if given. New does not
// touch the filesystem.
func New(cfg Config, fetchers ...reference.Fetcher) (*Pipeline, error) {
	registry := cfg.Registry()
	if err := cfg.validate(registry); err != nil {
		return nil, err
	}
	p := &Pipeline{cfg: cfg, metrics: newMetrics()}
	if s := cfg.UMI.ReadStructure; s != "" {
		var err error
		if p.rs, err = umi.ParseReadStructure(s); err != nil {
			return nil, err
		}
		p.mateRS = p.rs
		if m := cfg.UMI.MateReadStructure; m != "" {
			if p.mateRS, err = umi.ParseReadStructure(m); err != nil {
				return nil, err
			}
		}
		// Check the UMI options against both structures.
		if _, err := umi.NewExtractor(p.rs, cfg.UMI.Opts); err != nil {
			return nil, err
		}
		if _, err := umi.NewExtractor(p.mateRS, cfg.UMI.Opts); err != nil {
			return nil, err
		}
	}
	if cfg.Reference.Root != "" {
		var err error
		if p.cache, err = reference.NewCache(cfg.referenceOpts(), registry, fetchers...); err != nil {
			return nil, err
		}
		p.index = annotation.NewIndex(p.cache, annotation.DefaultOpts)
	}
	return p, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Metrics returns the pipeline's metrics.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// observe runs fn as operation op, recording its duration and outcome.
func (p *Pipeline) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	class := "ok"
	if err != nil {
		class = Classify(err).String()
		log.Printf("%s: failed (%s): %v", op, class, err)
	} else {
		log.Debug.Printf("%s: done in %s", op, time.Since(start))
	}
	p.metrics.operations.WithLabelValues(op, class).Inc()
	return err
}

func (p *Pipeline) referenceCache() (*reference.Cache, error) {
	if p.cache == nil {
		return nil, errors.E(errors.Invalid, "reference cache root is not configured")
	}
	return p.cache, nil
}

// removeAll removes the files at paths, logging failures.
func removeAll(ctx context.Context, paths []string) {
	for _, path := range paths {
		if err := file.Remove(ctx, path); err != nil {
			log.Error.Printf("remove partial output %s: %v", path, err)
		}
	}
}

// ValidateRequest names the FASTQ files to validate. R2 is empty for
// single-end data.
type ValidateRequest struct {
	R1, R2 string
}

// ValidateResult holds the QC report of a validation.
type ValidateResult struct {
	Report fastqc.PairReport `json:"report"`
}

// Validate checks the structure and base quality of FASTQ files.
func (p *Pipeline) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResult, error) {
	var res *ValidateResult
	err := p.observe(OpValidate, func() error {
		rep, err := fastqc.ValidatePaths(ctx, req.R1, req.R2, p.cfg.FastQC)
		if err != nil {
			return err
		}
		p.metrics.readsValidated.Add(float64(rep.R1.TotalReads + rep.R2.TotalReads))
		p.metrics.recordsFailed.WithLabelValues(OpValidate).Add(float64(rep.R1.FailCount + rep.R2.FailCount))
		res = &ValidateResult{Report: rep}
		return nil
	})
	return res, err
}

// ExtractUMIRequest names the input FASTQ files and the UMI-tagged output
// files. R2 and Out2 are empty for single-end data. Outputs ending in ".gz"
// are gzip-compressed.
type ExtractUMIRequest struct {
	R1, R2     string
	Out1, Out2 string
}

// ExtractUMIResult holds the statistics of a UMI extraction.
type ExtractUMIResult struct {
	Stats  umi.Stats `json:"stats"`
	Output []string  `json:"outputs"`
}

// ExtractUMI moves the UMI bases of each read into its name and writes the
// template bases to the outputs. For paired data the UMIs of R1 and R2 are
// concatenated and both mates carry the result.
func (p *Pipeline) ExtractUMI(ctx context.Context, req *ExtractUMIRequest) (*ExtractUMIResult, error) {
	var res *ExtractUMIResult
	err := p.observe(OpExtractUMI, func() (err error) {
		res, err = p.extractUMI(ctx, req)
		return err
	})
	return res, err
}

func (p *Pipeline) extractUMI(ctx context.Context, req *ExtractUMIRequest) (res *ExtractUMIResult, err error) {
	if p.rs.Segments == nil {
		return nil, errors.E(errors.Invalid, "no read structure configured")
	}
	paired := req.R2 != ""
	if req.R1 == "" || req.Out1 == "" || paired != (req.Out2 != "") {
		return nil, errors.E(errors.Invalid, "extract_umi: need an output for each input")
	}
	e1, err := umi.NewExtractor(p.rs, p.cfg.UMI.Opts)
	if err != nil {
		return nil, err
	}
	var (
		once    errors.Once
		closers []func(context.Context) error
		outputs []string
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			once.Set(closers[i](ctx))
		}
		if err == nil {
			err = once.Err()
		}
		if err != nil {
			res = nil
			removeAll(ctx, outputs)
		}
	}()
	mate := fastq.Unpaired
	if paired {
		mate = fastq.R1
	}
	s1, err := fastq.Open(ctx, req.R1, mate)
	if err != nil {
		return nil, err
	}
	closers = append(closers, s1.Close)
	w1, err := fastq.Create(ctx, req.Out1)
	if err != nil {
		return nil, err
	}
	closers, outputs = append(closers, w1.Close), append(outputs, req.Out1)

	var stats umi.Stats
	if !paired {
		if stats, err = e1.Run(ctx, s1, w1); err != nil {
			return nil, err
		}
	} else {
		e2, err := umi.NewExtractor(p.mateRS, p.cfg.UMI.Opts)
		if err != nil {
			return nil, err
		}
		s2, err := fastq.Open(ctx, req.R2, fastq.R2)
		if err != nil {
			return nil, err
		}
		closers = append(closers, s2.Close)
		w2, err := fastq.Create(ctx, req.Out2)
		if err != nil {
			return nil, err
		}
		closers, outputs = append(closers, w2.Close), append(outputs, req.Out2)
		if stats, err = umi.RunPair(ctx, e1, e2, fastq.NewPairScanner(s1, s2), w1, w2); err != nil {
			return nil, err
		}
	}
	p.metrics.readsTagged.Add(float64(stats.Extracted))
	p.metrics.recordsFailed.WithLabelValues(OpExtractUMI).Add(float64(stats.Failed))
	return &ExtractUMIResult{Stats: stats, Output: outputs}, nil
}

// AcquireRequest names a genome. With Annotation set, its annotation asset
// is acquired after the sequence. With Index set, the sequence is indexed
// and its contigs are listed.
type AcquireRequest struct {
	GenomeID   string
	Annotation bool
	Index      bool
}

// AcquireResult holds the verified assets.
type AcquireResult struct {
	Sequence   reference.Asset  `json:"sequence"`
	Annotation *reference.Asset `json:"annotation,omitempty"`
	Contigs    []fasta.Contig   `json:"contigs,omitempty"`
}

// AcquireReference downloads and verifies the assets of a genome, or
// returns them from the cache.
func (p *Pipeline) AcquireReference(ctx context.Context, req *AcquireRequest) (*AcquireResult, error) {
	var res *AcquireResult
	err := p.observe(OpAcquire, func() error {
		cache, err := p.referenceCache()
		if err != nil {
			return err
		}
		seq, err := cache.Acquire(ctx, req.GenomeID)
		if err != nil {
			return err
		}
		p.metrics.observeAsset(seq.Attempts)
		r := &AcquireResult{Sequence: seq}
		if req.Index {
			if r.Contigs, err = fasta.IndexFile(ctx, seq.Path); err != nil {
				return err
			}
		}
		if req.Annotation {
			ann, err := cache.AcquireAnnotation(ctx, req.GenomeID)
			if err != nil {
				return err
			}
			p.metrics.observeAsset(ann.Attempts)
			r.Annotation = &ann
		}
		res = r
		return nil
	})
	return res, err
}

// LookupGeneRequest names a gene by symbol.
type LookupGeneRequest struct {
	GenomeID string
	Symbol   string
}

// LookupRangeRequest names the 1-based closed range [Start, End] of a
// chromosome.
type LookupRangeRequest struct {
	GenomeID   string
	Chrom      string
	Start, End int
}

// LookupResult holds annotation records.
type LookupResult struct {
	Records []annotation.Record `json:"records"`
}

// LookupGene returns the annotation record of a gene.
func (p *Pipeline) LookupGene(ctx context.Context, req *LookupGeneRequest) (*LookupResult, error) {
	var res *LookupResult
	err := p.observe(OpLookupGene, func() error {
		if _, err := p.referenceCache(); err != nil {
			return err
		}
		rec, err := p.index.LookupByGene(ctx, req.GenomeID, req.Symbol)
		if err != nil {
			return err
		}
		res = &LookupResult{Records: []annotation.Record{rec}}
		return nil
	})
	return res, err
}

// LookupRange returns the genes overlapping a range.
func (p *Pipeline) LookupRange(ctx context.Context, req *LookupRangeRequest) (*LookupResult, error) {
	var res *LookupResult
	err := p.observe(OpLookupRange, func() error {
		if _, err := p.referenceCache(); err != nil {
			return err
		}
		recs, err := p.index.LookupByRange(ctx, req.GenomeID, req.Chrom, req.Start, req.End)
		if err != nil {
			return err
		}
		res = &LookupResult{Records: recs}
		return nil
	})
	return res, err
}

// FilterRequest names barcode tables to filter. Outputs is empty, or holds
// one output path per input. Thresholds overrides the configured
// thresholds if set.
type FilterRequest struct {
	Inputs     []string
	Outputs    []string
	Thresholds *qcfilter.Thresholds
}

// FilterResult holds the filtered tiles and their statistics, in input
// order.
type FilterResult struct {
	Tiles []spatial.Tile   `json:"-"`
	Stats []qcfilter.Stats `json:"stats"`
}

// Filter applies the QC thresholds to each input table. Tables are
// processed concurrently.
func (p *Pipeline) Filter(ctx context.Context, req *FilterRequest) (*FilterResult, error) {
	var res *FilterResult
	err := p.observe(OpFilter, func() error {
		th := p.cfg.Filter
		if req.Thresholds != nil {
			th = *req.Thresholds
		}
		if err := th.Validate(); err != nil {
			return err
		}
		if len(req.Inputs) == 0 {
			return errors.E(errors.Invalid, "filter: no input tables")
		}
		if len(req.Outputs) > 0 && len(req.Outputs) != len(req.Inputs) {
			return errors.E(errors.Invalid, fmt.Sprintf("filter: %d outputs for %d inputs", len(req.Outputs), len(req.Inputs)))
		}
		tiles, err := readTiles(ctx, req.Inputs)
		if err != nil {
			return err
		}
		kept, stats, err := qcfilter.FilterAll(tiles, th)
		if err != nil {
			return err
		}
		if len(req.Outputs) > 0 {
			if err := writeTiles(ctx, req.Outputs, kept); err != nil {
				return err
			}
		}
		for _, s := range stats {
			p.metrics.barcodesInput.Add(float64(s.InputCount))
			p.metrics.barcodesKept.Add(float64(s.RetainedCount))
		}
		res = &FilterResult{Tiles: kept, Stats: stats}
		return nil
	})
	return res, err
}

// readTiles reads the tables at paths concurrently.
func readTiles(ctx context.Context, paths []string) ([]spatial.Tile, error) {
	tiles := make([]spatial.Tile, len(paths))
	err := traverse.Each(len(paths), func(i int) error {
		var err error
		tiles[i], err = spatial.ReadTile(ctx, paths[i], "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return tiles, nil
}

// writeTiles writes tiles[i] to paths[i] concurrently. On error, every
// output is removed.
func writeTiles(ctx context.Context, paths []string, tiles []spatial.Tile) error {
	err := traverse.Each(len(paths), func(i int) error {
		return spatial.WriteTable(ctx, paths[i], tiles[i].Records)
	})
	if err != nil {
		removeAll(ctx, paths)
	}
	return err
}

// SplitRequest names a barcode table to partition by region. Rules
// overrides the configured rule set path if set. If OutDir is set, one
// table per non-empty region is written there, with extension Ext
// (default ".tsv").
type SplitRequest struct {
	Input  string
	Rules  string
	OutDir string
	Ext    string
}

// SplitResult holds the region assignment.
type SplitResult struct {
	Split   region.Result     `json:"split"`
	Summary region.Summary    `json:"summary"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Split partitions a barcode table into regions.
func (p *Pipeline) Split(ctx context.Context, req *SplitRequest) (*SplitResult, error) {
	var res *SplitResult
	err := p.observe(OpSplit, func() error {
		rulesPath := p.cfg.Regions.Rules
		if req.Rules != "" {
			rulesPath = req.Rules
		}
		if rulesPath == "" {
			return errors.E(errors.Invalid, "split: no region rules configured")
		}
		rules, err := region.ReadRules(ctx, rulesPath)
		if err != nil {
			return err
		}
		splitter, err := region.NewSplitter(rules, region.Opts{KeepExisting: p.cfg.Regions.KeepExisting})
		if err != nil {
			return err
		}
		tile, err := spatial.ReadTile(ctx, req.Input, "")
		if err != nil {
			return err
		}
		split := splitter.Split(tile)
		r := &SplitResult{Split: split, Summary: split.Summary()}
		if req.OutDir != "" {
			ext := req.Ext
			if ext == "" {
				ext = ".tsv"
			}
			if r.Outputs, err = region.WriteRegions(ctx, req.OutDir, ext, split); err != nil {
				return err
			}
		}
		res = r
		return nil
	})
	return res, err
}

// MergeRequest names the tiles to merge, in priority order. Policy
// overrides the configured merge policy if set. If Output is set, the
// merged table is written there.
type MergeRequest struct {
	Inputs []string
	Policy string
	Output string
}

// MergeResult holds the merged table.
type MergeResult struct {
	Table tilemerge.MergedTable `json:"table"`
}

// Merge merges tiles, resolving records at the same coordinate with the
// merge policy.
func (p *Pipeline) Merge(ctx context.Context, req *MergeRequest) (*MergeResult, error) {
	var res *MergeResult
	err := p.observe(OpMerge, func() error {
		policy := p.cfg.MergePolicy
		if req.Policy != "" {
			var err error
			if policy, err = tilemerge.ParsePolicy(req.Policy); err != nil {
				return err
			}
		}
		if len(req.Inputs) == 0 {
			return &tilemerge.EmptyTileSetError{}
		}
		tiles, err := readTiles(ctx, req.Inputs)
		if err != nil {
			return err
		}
		merged, err := tilemerge.Merge(tiles, policy)
		if err != nil {
			return err
		}
		if req.Output != "" {
			if err := spatial.WriteTable(ctx, req.Output, merged.Records); err != nil {
				return err
			}
		}
		res = &MergeResult{Table: merged}
		return nil
	})
	return res, err
}

// AlignRequest names the reads to align. GenomeDir overrides the
// configured aligner genome directory if set.
type AlignRequest struct {
	R1, R2    string
	OutPrefix string
	GenomeDir string
}

// AlignResult holds the aligner's summary.
type AlignResult struct {
	Command []string    `json:"command"`
	Stats   align.Stats `json:"stats"`
}

// Align runs the external aligner on the reads.
func (p *Pipeline) Align(ctx context.Context, req *AlignRequest) (*AlignResult, error) {
	var res *AlignResult
	err := p.observe(OpAlign, func() error {
		opts := p.cfg.alignOpts()
		opts.R1, opts.R2, opts.OutPrefix = req.R1, req.R2, req.OutPrefix
		if req.GenomeDir != "" {
			opts.GenomeDir = req.GenomeDir
		}
		cmd, err := align.Command(opts)
		if err != nil {
			return err
		}
		stats, err := align.Run(ctx, opts)
		if err != nil {
			return err
		}
		res = &AlignResult{Command: cmd, Stats: stats}
		return nil
	})
	return res, err
}
