package umi

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/spatialqc/encoding/fastq"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

type sliceSink struct {
	reads []fastq.Read
}

func (s *sliceSink) Write(r *fastq.Read) error {
	s.reads = append(s.reads, *r)
	return nil
}

func newExtractor(t *testing.T, structure string, opts Opts) *Extractor {
	rs, err := ParseReadStructure(structure)
	require.NoError(t, err)
	e, err := NewExtractor(rs, opts)
	require.NoError(t, err)
	return e
}

func TestExtract(t *testing.T) {
	e := newExtractor(t, "8M+T", DefaultOpts)
	r := fastq.Read{
		ID:   "@read1 1:N:0:1",
		Seq:  "AAAACCCCGGGGTTTT",
		Unk:  "+",
		Qual: "0123456789ABCDEF",
	}
	umi, err := e.Extract(&r)
	assert.NoError(t, err)
	expect.EQ(t, umi, "AAAACCCC")
	expect.EQ(t, r.ID, "@read1:UMI=AAAACCCC 1:N:0:1")
	expect.EQ(t, r.Seq, "GGGGTTTT")
	expect.EQ(t, r.Qual, "89ABCDEF")
}

func TestExtractSkipAndSplitUMI(t *testing.T) {
	e := newExtractor(t, "2M2S2M4T", DefaultOpts)
	r := fastq.Read{ID: "@r", Seq: "ACNNGTAAAACCCC", Qual: "IIIIIIIIIIIIII"}
	umi, err := e.Extract(&r)
	assert.NoError(t, err)
	expect.EQ(t, umi, "ACGT")
	// Bases past a fixed structure are dropped.
	expect.EQ(t, r.Seq, "AAAA")
	expect.EQ(t, r.ID, "@r:UMI=ACGT")
}

func TestExtractShortRead(t *testing.T) {
	e := newExtractor(t, "8M+T", DefaultOpts)
	r := fastq.Read{ID: "@short", Seq: "ACGT", Qual: "IIII"}
	_, err := e.Extract(&r)
	var rse *ReadStructureError
	require.True(t, errors.As(err, &rse))
	expect.EQ(t, rse.ReadID, "short")
	expect.EQ(t, rse.ReadLen, 4)
	// The read is left unchanged.
	expect.EQ(t, r.Seq, "ACGT")
}

func TestExtractLengthMismatch(t *testing.T) {
	e := newExtractor(t, "4M+T", DefaultOpts)
	r := fastq.Read{ID: "@mismatch", Seq: "AAAACCCCGGGG", Qual: "IIIIIIII"}
	_, err := e.Extract(&r)
	var rse *ReadStructureError
	require.True(t, errors.As(err, &rse), "%v", err)
	expect.EQ(t, rse.ReadID, "mismatch")
	expect.EQ(t, r.Seq, "AAAACCCCGGGG")

	in := "@ok\nAAAACCCC\n+\nIIIIIIII\n@mismatch\nAAAACCCCGGGG\n+\nIIIIIIII\n"
	var sink sliceSink
	stats, err := e.Run(context.Background(), fastq.NewScanner(strings.NewReader(in), fastq.R1), &sink)
	assert.NoError(t, err)
	expect.EQ(t, stats.Extracted, int64(1))
	expect.EQ(t, stats.Failed, int64(1))
	require.Len(t, sink.reads, 1)
	expect.EQ(t, sink.reads[0].Seq, "CCCC")
}

func TestNewExtractorExpectedLength(t *testing.T) {
	rs, err := ParseReadStructure("8M+T")
	require.NoError(t, err)
	opts := DefaultOpts
	opts.ExpectedUMILength = 10
	_, err = NewExtractor(rs, opts)
	var ule *InvalidUmiLengthError
	require.True(t, errors.As(err, &ule))
	expect.EQ(t, ule.Declared, 8)
	expect.EQ(t, ule.Expects, 10)

	opts.ExpectedUMILength = 8
	_, err = NewExtractor(rs, opts)
	expect.NoError(t, err)

	opts.KnownUMIs = []string{"AAAA"}
	_, err = NewExtractor(rs, opts)
	expect.True(t, errors.As(err, &ule))
}

func TestRun(t *testing.T) {
	var in strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&in, "@r%d\nAAAATTTTGGGGCCCC\n+\nIIIIIIIIIIIIIIII\n", i)
	}
	in.WriteString("@short\nAAA\n+\nIII\n")
	e := newExtractor(t, "4M4S+T", DefaultOpts)
	var sink sliceSink
	stats, err := e.Run(context.Background(), fastq.NewScanner(strings.NewReader(in.String()), fastq.R1), &sink)
	assert.NoError(t, err)
	expect.EQ(t, stats.Records, int64(6))
	expect.EQ(t, stats.Extracted, int64(5))
	expect.EQ(t, stats.Failed, int64(1))
	require.Len(t, stats.Failures, 1)
	expect.EQ(t, stats.Failures[0].Record, int64(6))
	expect.EQ(t, stats.Failures[0].ReadID, "short")
	require.Len(t, sink.reads, 5)
	for i, r := range sink.reads {
		expect.EQ(t, r.ID, fmt.Sprintf("@r%d:UMI=AAAA", i))
		expect.EQ(t, r.Seq, "GGGGCCCC")
		expect.EQ(t, len(r.Qual), len(r.Seq))
	}
}

func TestRunCorrection(t *testing.T) {
	in := "@a\nAAAAGGGG\n+\nIIIIIIII\n" +
		"@b\nAATAGGGG\n+\nIIIIIIII\n" +
		"@c\nAACCGGGG\n+\nIIIIIIII\n"
	opts := DefaultOpts
	opts.KnownUMIs = []string{"AAAA", "CCCC"}
	e := newExtractor(t, "4M+T", opts)
	var sink sliceSink
	stats, err := e.Run(context.Background(), fastq.NewScanner(strings.NewReader(in), fastq.R1), &sink)
	assert.NoError(t, err)
	expect.EQ(t, stats.Corrected, int64(1))
	expect.EQ(t, stats.Uncorrectable, int64(1))
	require.Len(t, sink.reads, 3)
	expect.EQ(t, sink.reads[0].ID, "@a:UMI=AAAA")
	expect.EQ(t, sink.reads[1].ID, "@b:UMI=AAAA")
	expect.EQ(t, sink.reads[2].ID, "@c:UMI=AACC")
}

func TestRunPair(t *testing.T) {
	ctx := context.Background()
	r1 := "@f1/1\nACGTTTTT\n+\nIIIIIIII\n@f2/1\nGGCCAAAA\n+\nIIIIIIII\n"
	r2 := "@f1/2\nTTGGGG\n+\nIIIIII\n@f2/2\nT\n+\nI\n"
	e1 := newExtractor(t, "4M+T", DefaultOpts)
	e2 := newExtractor(t, "2M+T", DefaultOpts)
	src := fastq.NewPairScanner(
		fastq.NewScanner(strings.NewReader(r1), fastq.R1),
		fastq.NewScanner(strings.NewReader(r2), fastq.R2))
	var out1, out2 sliceSink
	stats, err := RunPair(ctx, e1, e2, src, &out1, &out2)
	assert.NoError(t, err)
	expect.EQ(t, stats.Records, int64(2))
	expect.EQ(t, stats.Extracted, int64(1))
	expect.EQ(t, stats.Failed, int64(1))
	require.Len(t, out1.reads, 1)
	require.Len(t, out2.reads, 1)
	expect.EQ(t, out1.reads[0].ID, "@f1/1:UMI=ACGTTT")
	expect.EQ(t, out2.reads[0].ID, "@f1/2:UMI=ACGTTT")
	expect.EQ(t, out1.reads[0].Seq, "TTTT")
	expect.EQ(t, out2.reads[0].Seq, "GGGG")
}

func TestRunFiles(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	outPath := filepath.Join(tempDir, "out.fastq.gz")
	w, err := fastq.Create(ctx, outPath)
	assert.NoError(t, err)
	e := newExtractor(t, "2M+T", DefaultOpts)
	in := "@a\nACGT\n+\nIIII\n"
	_, err = e.Run(ctx, fastq.NewScanner(strings.NewReader(in), fastq.R1), w)
	assert.NoError(t, err)
	assert.NoError(t, w.Close(ctx))

	sc, err := fastq.Open(ctx, outPath, fastq.R1)
	assert.NoError(t, err)
	var r fastq.Read
	require.True(t, sc.Scan(&r))
	expect.EQ(t, r.ID, "@a:UMI=AC")
	expect.EQ(t, r.Seq, "GT")
	expect.False(t, sc.Scan(&r))
	assert.NoError(t, sc.Err())
	assert.NoError(t, sc.Close(ctx))
}
