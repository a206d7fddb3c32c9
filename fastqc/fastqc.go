// Package fastqc computes structural and base-quality statistics of FASTQ
// streams, optionally checking that R1/R2 streams describe the same
// fragments. A malformed record is counted and listed in the report; it never
// aborts the scan. Only framing errors of the stream itself (see package
// encoding/fastq) are returned as errors.
package fastqc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/spatialqc/encoding/fastq"
)

// Opts controls validation.
type Opts struct {
	// MinMeanQuality is the threshold on mean Phred quality. A record whose
	// mean quality is below it is counted as low quality, and a stream whose
	// aggregate mean is below it does not pass.
	MinMeanQuality float64 `json:"min_mean_quality"`
	// MaxFailureRate is the largest fraction of structurally invalid records
	// a passing stream may contain.
	MaxFailureRate float64 `json:"max_failure_rate"`
	// MaxFailures caps the number of failures listed in a report. Failures
	// beyond the cap are still counted.
	MaxFailures int `json:"max_failures"`
	// CheckPairedLengths additionally requires R1 and R2 of each pair to have
	// the same sequence length.
	CheckPairedLengths bool `json:"check_paired_lengths"`
	// QualityOffset is subtracted from quality characters to obtain Phred
	// scores.
	QualityOffset int `json:"quality_offset"`
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	MinMeanQuality: 20,
	MaxFailureRate: 0.05,
	MaxFailures:    100,
	QualityOffset:  33,
}

func (o Opts) validate() error {
	if o.MaxFailureRate < 0 || o.MaxFailureRate > 1 {
		return fmt.Errorf("fastqc: failure rate ceiling %v must be in [0, 1]", o.MaxFailureRate)
	}
	if o.MaxFailures < 0 {
		return fmt.Errorf("fastqc: negative failure cap %d", o.MaxFailures)
	}
	if o.QualityOffset <= 0 {
		return fmt.Errorf("fastqc: quality offset %d must be positive", o.QualityOffset)
	}
	return nil
}

// Source is a stream of FASTQ reads. *fastq.Scanner implements Source.
type Source interface {
	Scan(r *fastq.Read) bool
	Err() error
}

// Failure describes one record that failed validation.
type Failure struct {
	// Record is the 1-based index of the record within its stream.
	Record int64
	ReadID string
	Err    error
}

func (f Failure) String() string {
	return fmt.Sprintf("record %d: %v", f.Record, f.Err)
}

// MarshalJSON implements json.Marshaler. The error is rendered as its
// message.
func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Record int64  `json:"record"`
		ReadID string `json:"read_id,omitempty"`
		Err    string `json:"error"`
	}{f.Record, f.ReadID, f.Err.Error()})
}

// Report is the result of validating one stream.
type Report struct {
	Path string     `json:"path,omitempty"`
	Mate fastq.Mate `json:"mate"`
	// TotalReads is the number of 4-line records in the stream.
	TotalReads int64 `json:"total_reads"`
	// PassCount is the number of structurally valid records.
	PassCount int64 `json:"pass_count"`
	// FailCount is the number of structurally invalid records.
	FailCount int64 `json:"fail_count"`
	// MeanQuality is the mean, over structurally valid records, of the
	// per-record mean Phred quality.
	MeanQuality float64 `json:"mean_quality"`
	// LowQualityCount is the number of valid records whose mean quality is
	// below MinMeanQuality.
	LowQualityCount    int64   `json:"low_quality_count"`
	LowQualityFraction float64 `json:"low_quality_fraction"`
	FailureRate        float64 `json:"failure_rate"`
	// Failures lists failed records in stream order, up to MaxFailures.
	Failures []Failure `json:"failures,omitempty"`

	MinLength   int     `json:"min_length"`
	MaxLength   int     `json:"max_length"`
	GCFraction  float64 `json:"gc_fraction"`
	NFraction   float64 `json:"n_fraction"`
	Q30Fraction float64 `json:"q30_fraction"`

	Passed bool `json:"passed"`
}

// CheckRecord validates one record and returns its mean Phred quality. The
// error is a *LengthMismatchError or an *InvalidBaseError.
func CheckRecord(r *fastq.Read, qualityOffset int) (float64, error) {
	if len(r.Seq) != len(r.Qual) {
		return 0, &LengthMismatchError{ReadID: r.Name(), SeqLen: len(r.Seq), QualLen: len(r.Qual)}
	}
	for i := 0; i < len(r.Seq); i++ {
		if !validBase(r.Seq[i]) {
			return 0, &InvalidBaseError{ReadID: r.Name(), Base: r.Seq[i], Pos: i}
		}
	}
	if len(r.Qual) == 0 {
		return 0, nil
	}
	var sum int
	for i := 0; i < len(r.Qual); i++ {
		sum += int(r.Qual[i]) - qualityOffset
	}
	return float64(sum) / float64(len(r.Qual)), nil
}

func validBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T', 'N', 'a', 'c', 'g', 't', 'n':
		return true
	}
	return false
}

// accumulator collects per-record statistics of one stream.
type accumulator struct {
	opts   Opts
	report Report

	sumMeanQual             float64
	bases, gc, nBases, q30s int64
}

func newAccumulator(opts Opts, mate fastq.Mate) *accumulator {
	return &accumulator{opts: opts, report: Report{Mate: mate, MinLength: -1}}
}

func (a *accumulator) add(r *fastq.Read) {
	rep := &a.report
	rep.TotalReads++
	meanQual, err := CheckRecord(r, a.opts.QualityOffset)
	if err != nil {
		rep.FailCount++
		if len(rep.Failures) < a.opts.MaxFailures {
			rep.Failures = append(rep.Failures, Failure{Record: rep.TotalReads, ReadID: r.Name(), Err: err})
		} else {
			log.Debug.Printf("fastqc: record %d: %v", rep.TotalReads, err)
		}
		return
	}
	rep.PassCount++
	a.sumMeanQual += meanQual
	if meanQual < a.opts.MinMeanQuality {
		rep.LowQualityCount++
	}
	n := len(r.Seq)
	if rep.MinLength < 0 || n < rep.MinLength {
		rep.MinLength = n
	}
	if n > rep.MaxLength {
		rep.MaxLength = n
	}
	a.bases += int64(n)
	for i := 0; i < n; i++ {
		switch r.Seq[i] {
		case 'G', 'C', 'g', 'c':
			a.gc++
		case 'N', 'n':
			a.nBases++
		}
		if int(r.Qual[i])-a.opts.QualityOffset >= 30 {
			a.q30s++
		}
	}
}

func (a *accumulator) finish() Report {
	rep := a.report
	if rep.MinLength < 0 {
		rep.MinLength = 0
	}
	if rep.PassCount > 0 {
		rep.MeanQuality = a.sumMeanQual / float64(rep.PassCount)
		rep.LowQualityFraction = float64(rep.LowQualityCount) / float64(rep.PassCount)
	}
	if rep.TotalReads > 0 {
		rep.FailureRate = float64(rep.FailCount) / float64(rep.TotalReads)
	}
	if a.bases > 0 {
		rep.GCFraction = float64(a.gc) / float64(a.bases)
		rep.NFraction = float64(a.nBases) / float64(a.bases)
		rep.Q30Fraction = float64(a.q30s) / float64(a.bases)
	}
	rep.Passed = rep.PassCount > 0 &&
		rep.MeanQuality >= a.opts.MinMeanQuality &&
		rep.FailureRate <= a.opts.MaxFailureRate
	return rep
}

// pairKey is what the pair checker needs to know about each record.
type pairKey struct {
	name   string
	length int
}

// scan validates every record of src. If keys is non-nil, a pairKey is sent
// for each record; scan returns early if ctx is canceled while sending.
func scan(ctx context.Context, src Source, mate fastq.Mate, opts Opts, keys chan<- pairKey) (Report, error) {
	acc := newAccumulator(opts, mate)
	var r fastq.Read
	for src.Scan(&r) {
		acc.add(&r)
		n := acc.report.TotalReads
		if n%(1024*1024) == 0 {
			log.Printf("fastqc: %v: %dMi reads", mate, n/(1024*1024))
		}
		if keys != nil {
			select {
			case keys <- pairKey{name: r.BaseName(), length: len(r.Seq)}:
			case <-ctx.Done():
				return Report{}, ctx.Err()
			}
		} else if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}
		}
	}
	if err := src.Err(); err != nil {
		return Report{}, err
	}
	return acc.finish(), nil
}

// Validate validates a single stream.
func Validate(ctx context.Context, src Source, opts Opts) (Report, error) {
	if err := opts.validate(); err != nil {
		return Report{}, err
	}
	return scan(ctx, src, fastq.Unpaired, opts, nil)
}
