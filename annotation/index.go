// Package annotation provides gene-coordinate lookups per genome build.
//
// An Index loads the annotation asset of a genome on first use, after
// making sure the genome's reference assets are acquired. Once loaded, a
// genome's annotation is read-only and lookups are safe for concurrent use.
package annotation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/spatialqc/reference"
)

// Record is one annotated gene. Coordinates are 1-based and closed.
type Record struct {
	Symbol string `json:"gene_symbol"`
	GeneID string `json:"gene_id,omitempty"`
	Chrom  string `json:"chromosome"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Strand string `json:"strand"`
	Source string `json:"source"`
}

// UnknownGeneError is returned by LookupByGene for a symbol absent from the
// genome's annotation.
type UnknownGeneError struct {
	Genome, Symbol string
}

func (e *UnknownGeneError) Error() string {
	return fmt.Sprintf("gene %q not found in %s", e.Symbol, e.Genome)
}

// AssetSource provides verified reference assets. *reference.Cache
// implements AssetSource.
type AssetSource interface {
	Acquire(ctx context.Context, genomeID string) (reference.Asset, error)
	AcquireAnnotation(ctx context.Context, genomeID string) (reference.Asset, error)
}

// Opts controls an Index.
type Opts struct {
	// RequireSequence makes the first use of a genome acquire its sequence
	// asset before its annotation.
	RequireSequence bool
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{RequireSequence: true}

// entry is an llrb element ordered by (start, seq).
type entry struct {
	start, seq int
	rec        *Record
}

// Compare implements llrb.Comparable.
func (e *entry) Compare(c llrb.Comparable) int {
	o := c.(*entry)
	if e.start != o.start {
		if e.start < o.start {
			return -1
		}
		return 1
	}
	return e.seq - o.seq
}

// chromIndex orders the genes of one chromosome by start.
type chromIndex struct {
	tree llrb.Tree
	// maxLen is the length of the longest gene, which bounds how far left
	// of a query an overlapping gene can start.
	maxLen int
}

type build struct {
	mu       sync.Mutex
	loaded   bool
	bySymbol map[string]*Record
	chroms   map[string]*chromIndex
}

// Index answers gene lookups for any number of genome builds.
type Index struct {
	src  AssetSource
	opts Opts

	mu     sync.Mutex
	builds map[string]*build
}

// NewIndex creates an index that loads annotation from src. src may be nil
// if every genome is added with Add.
func NewIndex(src AssetSource, opts Opts) *Index {
	return &Index{src: src, opts: opts, builds: map[string]*build{}}
}

// Add installs the annotation of genome from records, replacing any loaded
// annotation. Where a symbol repeats, the first record wins.
func (x *Index) Add(genome string, records []Record) {
	b := newBuild(genome, records)
	b.loaded = true
	x.mu.Lock()
	x.builds[genome] = b
	x.mu.Unlock()
}

func newBuild(genome string, records []Record) *build {
	b := &build{bySymbol: map[string]*Record{}, chroms: map[string]*chromIndex{}}
	for i := range records {
		rec := &records[i]
		if _, ok := b.bySymbol[rec.Symbol]; ok {
			log.Debug.Printf("annotation: %s: duplicate gene %s at %s:%d ignored", genome, rec.Symbol, rec.Chrom, rec.Start)
			continue
		}
		b.bySymbol[rec.Symbol] = rec
		ci := b.chroms[rec.Chrom]
		if ci == nil {
			ci = &chromIndex{}
			b.chroms[rec.Chrom] = ci
		}
		ci.tree.Insert(&entry{start: rec.Start, seq: i, rec: rec})
		if n := rec.End - rec.Start + 1; n > ci.maxLen {
			ci.maxLen = n
		}
	}
	return b
}

func (x *Index) get(ctx context.Context, genome string) (*build, error) {
	x.mu.Lock()
	b := x.builds[genome]
	if b == nil {
		b = &build{}
		x.builds[genome] = b
	}
	x.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return b, nil
	}
	if x.src == nil {
		return nil, errors.E(errors.NotExist, "no annotation loaded for", genome)
	}
	if x.opts.RequireSequence {
		if _, err := x.src.Acquire(ctx, genome); err != nil {
			return nil, err
		}
	}
	asset, err := x.src.AcquireAnnotation(ctx, genome)
	if err != nil {
		return nil, err
	}
	var records []Record
	if isTSV(asset.Path) {
		records, err = ReadTSV(ctx, asset.Path)
	} else {
		records, err = ReadGTF(ctx, asset.Path)
	}
	if err != nil {
		return nil, err
	}
	loaded := newBuild(genome, records)
	b.bySymbol, b.chroms, b.loaded = loaded.bySymbol, loaded.chroms, true
	log.Printf("annotation: loaded %d genes for %s", len(b.bySymbol), genome)
	return b, nil
}

func isTSV(path string) bool {
	for _, ext := range []string{".gz", ".bz2", ".zst"} {
		path = strings.TrimSuffix(path, ext)
	}
	return strings.HasSuffix(path, ".tsv") || strings.HasSuffix(path, ".txt")
}

// LookupByGene returns the gene with the given symbol. It returns
// *UnknownGeneError if there is none.
func (x *Index) LookupByGene(ctx context.Context, genome, symbol string) (Record, error) {
	b, err := x.get(ctx, genome)
	if err != nil {
		return Record{}, err
	}
	rec, ok := b.bySymbol[symbol]
	if !ok {
		return Record{}, &UnknownGeneError{Genome: genome, Symbol: symbol}
	}
	return *rec, nil
}

// LookupByRange returns the genes on chrom that overlap the closed interval
// [start, end], ordered by start position. The result is empty, not an
// error, for an unknown chromosome.
func (x *Index) LookupByRange(ctx context.Context, genome, chrom string, start, end int) ([]Record, error) {
	if start > end {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("range %s:%d-%d: start is past end", chrom, start, end))
	}
	b, err := x.get(ctx, genome)
	if err != nil {
		return nil, err
	}
	ci, ok := b.chroms[chrom]
	if !ok {
		return nil, nil
	}
	from := start - ci.maxLen
	if from > start {
		from = math.MinInt32
	}
	var recs []Record
	ci.tree.DoRange(func(c llrb.Comparable) bool {
		if rec := c.(*entry).rec; rec.End >= start {
			recs = append(recs, *rec)
		}
		return false
	}, &entry{start: from, seq: math.MinInt32}, &entry{start: end + 1, seq: math.MinInt32})
	return recs, nil
}
