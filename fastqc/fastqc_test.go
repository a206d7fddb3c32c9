package fastqc

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/spatialqc/encoding/fastq"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

// record formats one FASTQ record whose quality characters are all q.
func record(name, seq string, q byte, qualLen int) string {
	return fmt.Sprintf("@%s\n%s\n+\n%s\n", name, seq, strings.Repeat(string(q), qualLen))
}

func scanner(s string) *fastq.Scanner {
	return fastq.NewScanner(strings.NewReader(s), fastq.Unpaired)
}

const seq36 = "ACGTACGTACGTACGTACGTACGTACGTACGTACGT"

func TestValidateLengthMismatchIsCounted(t *testing.T) {
	in := record("good", seq36, 'I', 36) + record("bad", seq36, 'I', 37) + record("good2", seq36, 'I', 36)
	rep, err := Validate(context.Background(), scanner(in), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, rep.TotalReads, int64(3))
	expect.EQ(t, rep.PassCount, int64(2))
	expect.EQ(t, rep.FailCount, int64(1))
	require.Len(t, rep.Failures, 1)
	expect.EQ(t, rep.Failures[0].Record, int64(2))
	var mismatch *LengthMismatchError
	require.True(t, errors.As(rep.Failures[0].Err, &mismatch))
	expect.EQ(t, mismatch.SeqLen, 36)
	expect.EQ(t, mismatch.QualLen, 37)
	// 'I' is Phred 40.
	expect.EQ(t, rep.MeanQuality, 40.0)
	// One failure out of three exceeds the default 5% ceiling.
	expect.False(t, rep.Passed)
}

func TestValidatePasses(t *testing.T) {
	rep, err := Validate(context.Background(), scanner(record("r1", seq36, 'I', 36)), DefaultOpts)
	assert.NoError(t, err)
	expect.True(t, rep.Passed)
	expect.EQ(t, rep.MinLength, 36)
	expect.EQ(t, rep.MaxLength, 36)
	expect.EQ(t, rep.GCFraction, 0.5)
	expect.EQ(t, rep.Q30Fraction, 1.0)
}

func TestValidateInvalidBase(t *testing.T) {
	in := record("r1", "acgtn", 'I', 5) + record("r2", "ACGXN", 'I', 5)
	rep, err := Validate(context.Background(), scanner(in), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, rep.FailCount, int64(1))
	var invalid *InvalidBaseError
	require.True(t, errors.As(rep.Failures[0].Err, &invalid))
	expect.EQ(t, invalid.Base, byte('X'))
	expect.EQ(t, invalid.Pos, 3)
	expect.EQ(t, invalid.ReadID, "r2")
}

func TestValidateQualityThreshold(t *testing.T) {
	// '+' is Phred 10, '5' is Phred 20.
	in := record("lo", "ACGT", '+', 4) + record("hi", "ACGT", '5', 4)
	rep, err := Validate(context.Background(), scanner(in), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, rep.MeanQuality, 15.0)
	expect.EQ(t, rep.LowQualityCount, int64(1))
	expect.EQ(t, rep.LowQualityFraction, 0.5)
	expect.False(t, rep.Passed)

	opts := DefaultOpts
	opts.MinMeanQuality = 15
	rep, err = Validate(context.Background(), scanner(in), opts)
	assert.NoError(t, err)
	expect.True(t, rep.Passed)
}

func TestValidateFailureCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(record(fmt.Sprint("r", i), "ACGT", 'I', 3))
	}
	opts := DefaultOpts
	opts.MaxFailures = 4
	rep, err := Validate(context.Background(), scanner(b.String()), opts)
	assert.NoError(t, err)
	expect.EQ(t, rep.FailCount, int64(10))
	expect.EQ(t, len(rep.Failures), 4)
	expect.EQ(t, rep.FailureRate, 1.0)
}

func TestValidateTruncatedStream(t *testing.T) {
	in := record("r1", "ACGT", 'I', 4) + "@r2\nACGT\n"
	_, err := Validate(context.Background(), scanner(in), DefaultOpts)
	var malformed *fastq.MalformedInputError
	require.True(t, errors.As(err, &malformed), "%v", err)
}

func TestValidateEmpty(t *testing.T) {
	rep, err := Validate(context.Background(), scanner(""), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, rep.TotalReads, int64(0))
	expect.False(t, rep.Passed)
}

func TestValidatePair(t *testing.T) {
	var r1, r2 strings.Builder
	for i := 0; i < 100; i++ {
		r1.WriteString(record(fmt.Sprintf("frag%d/1", i), seq36, 'I', 36))
		r2.WriteString(record(fmt.Sprintf("frag%d/2", i), seq36, 'I', 36))
	}
	rep, err := ValidatePair(context.Background(), scanner(r1.String()), scanner(r2.String()), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, rep.R1.TotalReads, int64(100))
	expect.EQ(t, rep.R2.TotalReads, int64(100))
	expect.EQ(t, rep.Pairs, int64(100))
	expect.EQ(t, rep.PairMismatches, int64(0))
	expect.True(t, rep.Passed)
}

func TestValidatePairMismatch(t *testing.T) {
	r1 := record("a/1", "ACGT", 'I', 4) + record("b/1", "ACGT", 'I', 4) + record("c/1", "ACGT", 'I', 4)
	r2 := record("a/2", "ACG", 'I', 3) + record("x/2", "ACGT", 'I', 4)
	opts := DefaultOpts
	opts.CheckPairedLengths = true
	rep, err := ValidatePair(context.Background(), scanner(r1), scanner(r2), opts)
	assert.NoError(t, err)
	expect.False(t, rep.Passed)
	expect.EQ(t, rep.PairMismatches, int64(3))
	require.Len(t, rep.Failures, 3)
	reasons := []string{}
	for _, f := range rep.Failures {
		var pm *PairMismatchError
		require.True(t, errors.As(f.Err, &pm))
		reasons = append(reasons, pm.Reason)
	}
	expect.EQ(t, reasons, []string{ReasonPairLength, ReasonPairName, ReasonPairCount})
}

func TestValidatePaths(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	r1Path := filepath.Join(tempDir, "r1.fastq")
	r2Path := filepath.Join(tempDir, "r2.fastq")
	assert.NoError(t, ioutil.WriteFile(r1Path, []byte(record("a/1", seq36, 'I', 36)), 0600))
	assert.NoError(t, ioutil.WriteFile(r2Path, []byte(record("a/2", seq36, 'I', 36)), 0600))

	rep, err := ValidatePaths(ctx, r1Path, r2Path, DefaultOpts)
	assert.NoError(t, err)
	expect.True(t, rep.Passed)
	expect.EQ(t, rep.R1.Path, r1Path)
	expect.EQ(t, rep.R2.Path, r2Path)

	rep, err = ValidatePaths(ctx, r1Path, "", DefaultOpts)
	assert.NoError(t, err)
	expect.True(t, rep.Passed)
	expect.EQ(t, rep.R2.TotalReads, int64(0))

	_, err = ValidatePaths(ctx, filepath.Join(tempDir, "missing.fastq"), "", DefaultOpts)
	expect.NotNil(t, err)
}
