package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/spatialqc/annotation"
	"github.com/grailbio/spatialqc/encoding/fasta"
	"github.com/grailbio/spatialqc/reference"
	"github.com/grailbio/spatialqc/spatial/qcfilter"
	"github.com/grailbio/spatialqc/spatial/tilemerge"
	"github.com/grailbio/spatialqc/umi"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	code := m.Run()
	shutdown()
	os.Exit(code)
}

func writeFile(t *testing.T, dir, name, data string) string {
	path := filepath.Join(dir, name)
	assert.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
	return path
}

func readFile(t *testing.T, path string) string {
	data, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	return string(data)
}

func fastqRecord(name, seq string) string {
	return fmt.Sprintf("@%s\n%s\n+\n%s\n", name, seq, strings.Repeat("I", len(seq)))
}

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
  "filter": {"min_reads": 500},
  "merge_policy": "max",
  "umi": {"read_structure": "6M+T", "separator": "_"},
  "reference": {"root": "/tmp/ref", "fetch_timeout": "90s"}
}`))
	assert.NoError(t, err)
	expect.EQ(t, cfg.Filter, qcfilter.Thresholds{MinReads: 500, MinGenes: 200, MaxMitoFraction: 0.20})
	expect.EQ(t, cfg.MergePolicy, tilemerge.Max)
	expect.EQ(t, cfg.UMI.ReadStructure, "6M+T")
	expect.EQ(t, cfg.UMI.Separator, "_")
	expect.EQ(t, cfg.UMI.MaxFailures, umi.DefaultOpts.MaxFailures)
	expect.EQ(t, cfg.Reference.Root, "/tmp/ref")
	expect.EQ(t, cfg.referenceOpts().FetchTimeout.Seconds(), 90.0)
	expect.EQ(t, cfg.referenceOpts().MaxSizeBytes, reference.DefaultOpts.MaxSizeBytes)
	expect.EQ(t, cfg.FastQC.MinMeanQuality, 20.0)
	expect.EQ(t, cfg.Aligner.Binary, "STAR")
}

func TestParseConfigInvalidPolicy(t *testing.T) {
	_, err := ParseConfig([]byte(`{"merge_policy": "median"}`))
	var policy *tilemerge.InvalidPolicyError
	require.True(t, errors.As(err, &policy), "%v", err)
	expect.EQ(t, Classify(err), Configuration)
}

func TestLoadConfigWithRegistry(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	regPath := writeFile(t, dir, "registry.json", `[
  {"id": "toy1", "sequence": {"uri": "/data/toy1.fa"}, "annotation": {"uri": "/data/toy1.tsv"}}
]`)
	cfgPath := writeFile(t, dir, "config.json", fmt.Sprintf(`{"reference": {"registry": %q}, "genomes": ["toy1"]}`, regPath))
	cfg, err := LoadConfig(ctx, cfgPath)
	assert.NoError(t, err)
	expect.EQ(t, cfg.Registry().IDs(), []string{"toy1"})
	_, err = New(cfg)
	assert.NoError(t, err)

	_, err = LoadConfig(ctx, filepath.Join(dir, "missing.json"))
	expect.NotNil(t, err)
}

func TestNewRejectsConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Genomes = []string{"hg38", "nope"}
	_, err := New(cfg)
	var genome *reference.UnknownGenomeError
	require.True(t, errors.As(err, &genome), "%v", err)
	expect.EQ(t, genome.ID, "nope")
	expect.EQ(t, Classify(err), Configuration)

	cfg = DefaultConfig()
	cfg.MergePolicy = 0
	_, err = New(cfg)
	var policy *tilemerge.InvalidPolicyError
	expect.True(t, errors.As(err, &policy))

	cfg = DefaultConfig()
	cfg.UMI.ReadStructure = "8M+T"
	cfg.UMI.ExpectedUMILength = 6
	_, err = New(cfg)
	var umiLen *umi.InvalidUmiLengthError
	expect.True(t, errors.As(err, &umiLen))
	expect.EQ(t, Classify(err), Structural)

	cfg = DefaultConfig()
	cfg.UMI.ReadStructure = "8Q"
	_, err = New(cfg)
	var rs *umi.ReadStructureError
	expect.True(t, errors.As(err, &rs))
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1 := writeFile(t, dir, "r1.fastq", fastqRecord("a/1", "ACGTACGT")+fastqRecord("b/1", "ACGTACGT"))
	r2 := writeFile(t, dir, "r2.fastq", fastqRecord("a/2", "ACGTACGT")+"@b/2\nACGTACGT\n+\nIIIIIIIII\n")

	p, err := New(DefaultConfig())
	require.NoError(t, err)
	res, err := p.Validate(ctx, &ValidateRequest{R1: r1, R2: r2})
	assert.NoError(t, err)
	expect.EQ(t, res.Report.R1.TotalReads, int64(2))
	expect.EQ(t, res.Report.R2.TotalReads, int64(2))
	expect.EQ(t, res.Report.R2.FailCount, int64(1))
	expect.False(t, res.Report.Passed)
	expect.EQ(t, promtest.ToFloat64(p.metrics.readsValidated), 4.0)
	expect.EQ(t, promtest.ToFloat64(p.metrics.recordsFailed.WithLabelValues(OpValidate)), 1.0)
	expect.EQ(t, promtest.ToFloat64(p.metrics.operations.WithLabelValues(OpValidate, "ok")), 1.0)

	_, err = p.Validate(ctx, &ValidateRequest{R1: filepath.Join(dir, "missing.fastq")})
	expect.NotNil(t, err)
	expect.EQ(t, promtest.ToFloat64(p.metrics.operations.WithLabelValues(OpValidate, "other")), 1.0)
}

func TestExtractUMI(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := writeFile(t, dir, "in.fastq", fastqRecord("r1 extra", "AAAACCGGTT")+fastqRecord("r2", "AC"))

	cfg := DefaultConfig()
	cfg.UMI.ReadStructure = "4M+T"
	p, err := New(cfg)
	require.NoError(t, err)
	out := filepath.Join(dir, "out.fastq")
	res, err := p.ExtractUMI(ctx, &ExtractUMIRequest{R1: in, Out1: out})
	assert.NoError(t, err)
	expect.EQ(t, res.Stats.Records, int64(2))
	expect.EQ(t, res.Stats.Extracted, int64(1))
	expect.EQ(t, res.Stats.Failed, int64(1))
	expect.EQ(t, res.Output, []string{out})
	expect.EQ(t, readFile(t, out), "@r1:UMI=AAAA extra\nCCGGTT\n+\nIIIIII\n")
	expect.EQ(t, promtest.ToFloat64(p.metrics.readsTagged), 1.0)
}

func TestExtractUMIPaired(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1 := writeFile(t, dir, "r1.fastq", fastqRecord("f/1", "AAAACCCC"))
	r2 := writeFile(t, dir, "r2.fastq", fastqRecord("f/2", "GGTTTT"))

	cfg := DefaultConfig()
	cfg.UMI.ReadStructure = "4M+T"
	cfg.UMI.MateReadStructure = "2M+T"
	p, err := New(cfg)
	require.NoError(t, err)
	out1, out2 := filepath.Join(dir, "o1.fastq"), filepath.Join(dir, "o2.fastq")
	res, err := p.ExtractUMI(ctx, &ExtractUMIRequest{R1: r1, R2: r2, Out1: out1, Out2: out2})
	assert.NoError(t, err)
	expect.EQ(t, res.Stats.Extracted, int64(1))
	expect.EQ(t, readFile(t, out1), "@f/1:UMI=AAAAGG\nCCCC\n+\nIIII\n")
	expect.EQ(t, readFile(t, out2), "@f/2:UMI=AAAAGG\nTTTT\n+\nIIII\n")
}

func TestExtractUMIRemovesPartialOutput(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	in := writeFile(t, dir, "in.fastq", fastqRecord("r1", "AAAACCGG")+"@r2\nAAAACCGG\n")

	cfg := DefaultConfig()
	cfg.UMI.ReadStructure = "4M+T"
	p, err := New(cfg)
	require.NoError(t, err)
	out := filepath.Join(dir, "out.fastq.gz")
	res, err := p.ExtractUMI(ctx, &ExtractUMIRequest{R1: in, Out1: out})
	expect.True(t, res == nil)
	expect.EQ(t, Classify(err), Structural)
	_, err = os.Stat(out)
	expect.True(t, os.IsNotExist(err))

	p, err = New(DefaultConfig())
	require.NoError(t, err)
	_, err = p.ExtractUMI(ctx, &ExtractUMIRequest{R1: in, Out1: out})
	expect.NotNil(t, err)
}

const (
	tileA = "barcode_id\tx\ty\tread_count\tgene_count\tmito_fraction\n" +
		"a1\t0\t0\t2000\t300\t0.05\n" +
		"a2\t1\t0\t100\t300\t0.05\n" +
		"a3\t2\t0\t2000\t300\t0.10\n"
	tileB = "barcode_id\tx\ty\tread_count\tgene_count\tmito_fraction\n" +
		"b1\t2\t0\t4000\t500\t0.30\n" +
		"b2\t9\t9\t1500\t250\t0.01\n"
)

func TestFilter(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := writeFile(t, dir, "a.tsv", tileA)
	b := writeFile(t, dir, "b.tsv", tileB)
	outA, outB := filepath.Join(dir, "a.out.tsv"), filepath.Join(dir, "b.out.tsv")

	p, err := New(DefaultConfig())
	require.NoError(t, err)
	res, err := p.Filter(ctx, &FilterRequest{Inputs: []string{a, b}, Outputs: []string{outA, outB}})
	assert.NoError(t, err)
	require.Len(t, res.Stats, 2)
	expect.EQ(t, res.Stats[0].TileID, "a")
	expect.EQ(t, res.Stats[0].RetainedCount, 2)
	expect.EQ(t, res.Stats[1].RetainedCount, 1)
	expect.EQ(t, res.Tiles[1].Records[0].BarcodeID, "b2")
	expect.EQ(t, promtest.ToFloat64(p.metrics.barcodesInput), 5.0)
	expect.EQ(t, promtest.ToFloat64(p.metrics.barcodesKept), 3.0)
	assert.HasSubstr(t, readFile(t, outB), "b2\t9\t9\t1500\t250\t0.01")

	// A zero-result filter is a valid outcome.
	strict := qcfilter.Thresholds{MinReads: 1e6, MinGenes: 0, MaxMitoFraction: 1}
	res, err = p.Filter(ctx, &FilterRequest{Inputs: []string{a}, Thresholds: &strict})
	assert.NoError(t, err)
	expect.EQ(t, res.Stats[0].RetainedCount, 0)

	_, err = p.Filter(ctx, &FilterRequest{Inputs: []string{a, b}, Outputs: []string{outA}})
	expect.NotNil(t, err)
	_, err = p.Filter(ctx, &FilterRequest{})
	expect.NotNil(t, err)
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := writeFile(t, dir, "a.tsv", tileA)
	b := writeFile(t, dir, "b.tsv", tileB)
	out := filepath.Join(dir, "merged.tsv")

	p, err := New(DefaultConfig())
	require.NoError(t, err)
	res, err := p.Merge(ctx, &MergeRequest{Inputs: []string{a, b}, Policy: "first", Output: out})
	assert.NoError(t, err)
	expect.EQ(t, res.Table.Policy, tilemerge.First)
	expect.EQ(t, res.Table.MergedCount, 4)
	expect.EQ(t, res.Table.OverlapCount, 1)
	assert.HasSubstr(t, readFile(t, out), "a3\t2\t0\t2000\t300\t0.1")

	res, err = p.Merge(ctx, &MergeRequest{Inputs: []string{a, b}})
	assert.NoError(t, err)
	expect.EQ(t, res.Table.Policy, tilemerge.Average)
	expect.EQ(t, res.Table.Records[2].ReadCount, int64(3000))
}

func TestMergeFailsBeforeReading(t *testing.T) {
	ctx := context.Background()
	p, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = p.Merge(ctx, &MergeRequest{Policy: "median", Inputs: []string{"/nonexistent/a.tsv"}})
	var policy *tilemerge.InvalidPolicyError
	expect.True(t, errors.As(err, &policy))

	_, err = p.Merge(ctx, &MergeRequest{})
	var empty *tilemerge.EmptyTileSetError
	expect.True(t, errors.As(err, &empty))
	expect.EQ(t, Classify(err), EmptyInput)
	expect.EQ(t, promtest.ToFloat64(p.metrics.operations.WithLabelValues(OpMerge, "empty_input")), 1.0)
}

func TestSplit(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := writeFile(t, dir, "a.tsv", tileA)
	rules := writeFile(t, dir, "rules.json", `[
  {"name": "left", "type": "rect", "min_x": 0, "min_y": 0, "max_x": 1, "max_y": 1},
  {"name": "picked", "type": "barcodes", "barcodes": ["a3"]}
]`)
	cfg := DefaultConfig()
	cfg.Regions.Rules = rules
	p, err := New(cfg)
	require.NoError(t, err)
	outDir := filepath.Join(dir, "regions")
	require.NoError(t, os.Mkdir(outDir, 0755))
	res, err := p.Split(ctx, &SplitRequest{Input: a, OutDir: outDir})
	assert.NoError(t, err)
	expect.EQ(t, res.Split.Counts, map[string]int{"left": 2, "picked": 1, "unassigned": 0})
	expect.EQ(t, res.Summary.Assigned, 3)
	expect.EQ(t, res.Outputs, map[string]string{
		"left":   outDir + "/left.tsv",
		"picked": outDir + "/picked.tsv",
	})
	assert.HasSubstr(t, readFile(t, res.Outputs["picked"]), "a3\t")

	p, err = New(DefaultConfig())
	require.NoError(t, err)
	_, err = p.Split(ctx, &SplitRequest{Input: a})
	expect.NotNil(t, err)
	res, err = p.Split(ctx, &SplitRequest{Input: a, Rules: rules})
	assert.NoError(t, err)
	expect.EQ(t, len(res.Outputs), 0)
}

const annotationTSV = "gene_symbol\tchromosome\tstart\tend\tstrand\tsource\n" +
	"GENE1\tchr1\t100\t200\t+\ttest\n" +
	"GENE2\tchr1\t150\t400\t-\ttest\n" +
	"GENE3\tchr2\t10\t20\t+\ttest\n"

func TestAcquireAndLookup(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	seq := writeFile(t, dir, "toy.fa", ">chr1\nACGT\n")
	ann := writeFile(t, dir, "toy.tsv", annotationTSV)
	cfg := DefaultConfig().WithRegistry(reference.Registry{
		"toy": {ID: "toy", Sequence: reference.Source{URI: seq}, Annotation: reference.Source{URI: ann}},
	})
	cfg.Reference.Root = filepath.Join(dir, "cache")
	p, err := New(cfg)
	require.NoError(t, err)

	res, err := p.AcquireReference(ctx, &AcquireRequest{GenomeID: "toy", Annotation: true})
	assert.NoError(t, err)
	expect.EQ(t, res.Sequence.State, reference.Verified)
	expect.EQ(t, res.Sequence.Attempts, 1)
	require.NotNil(t, res.Annotation)
	expect.EQ(t, readFile(t, res.Annotation.Path), annotationTSV)

	res, err = p.AcquireReference(ctx, &AcquireRequest{GenomeID: "toy", Index: true})
	assert.NoError(t, err)
	expect.EQ(t, res.Sequence.Attempts, 0)
	expect.True(t, res.Annotation == nil)
	expect.EQ(t, res.Contigs, []fasta.Contig{{Name: "chr1", Length: 4, Offset: 6, LineBases: 4, LineWidth: 5}})
	expect.EQ(t, readFile(t, fasta.IndexPath(res.Sequence.Path)), "chr1\t4\t6\t4\t5\n")
	expect.EQ(t, promtest.ToFloat64(p.metrics.acquisitions.WithLabelValues("download")), 2.0)
	expect.EQ(t, promtest.ToFloat64(p.metrics.acquisitions.WithLabelValues("hit")), 1.0)

	gene, err := p.LookupGene(ctx, &LookupGeneRequest{GenomeID: "toy", Symbol: "GENE2"})
	assert.NoError(t, err)
	expect.EQ(t, gene.Records, []annotation.Record{{Symbol: "GENE2", Chrom: "chr1", Start: 150, End: 400, Strand: "-", Source: "test"}})

	rng, err := p.LookupRange(ctx, &LookupRangeRequest{GenomeID: "toy", Chrom: "chr1", Start: 180, End: 190})
	assert.NoError(t, err)
	require.Len(t, rng.Records, 2)
	expect.EQ(t, rng.Records[0].Symbol, "GENE1")

	_, err = p.LookupGene(ctx, &LookupGeneRequest{GenomeID: "toy", Symbol: "NOPE"})
	expect.EQ(t, Classify(err), Configuration)

	_, err = p.AcquireReference(ctx, &AcquireRequest{GenomeID: "unknown_genome"})
	expect.EQ(t, Classify(err), Configuration)
}

func TestReferenceNotConfigured(t *testing.T) {
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = p.AcquireReference(context.Background(), &AcquireRequest{GenomeID: "hg38"})
	expect.NotNil(t, err)
	_, err = p.LookupGene(context.Background(), &LookupGeneRequest{GenomeID: "hg38", Symbol: "TP53"})
	expect.NotNil(t, err)
}

func TestWriteToTextfile(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	p, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = p.Merge(ctx, &MergeRequest{})
	expect.NotNil(t, err)

	path := filepath.Join(dir, "spatialqc.prom")
	assert.NoError(t, p.Metrics().WriteToTextfile(path))
	text := readFile(t, path)
	assert.HasSubstr(t, text, `spatialqc_operations_total{class="empty_input",operation="merge"} 1`)
	assert.HasSubstr(t, text, "spatialqc_operation_duration_seconds_count")
}
