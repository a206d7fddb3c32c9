package fastqc

import (
	"context"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/spatialqc/encoding/fastq"
	"golang.org/x/sync/errgroup"
)

// PairReport is the result of validating an R1/R2 pair of streams.
type PairReport struct {
	R1 Report `json:"r1"`
	R2 Report `json:"r2"`
	// Pairs is the number of record pairs compared.
	Pairs int64 `json:"pairs"`
	// PairMismatches counts pairs whose names (or lengths, with
	// CheckPairedLengths) differ, plus one if the record counts differ.
	PairMismatches int64 `json:"pair_mismatches"`
	// Failures lists the pair mismatches, up to MaxFailures. Each Err is a
	// *PairMismatchError.
	Failures []Failure `json:"failures,omitempty"`
	Passed   bool      `json:"passed"`
}

// ValidatePair validates the R1 and R2 streams concurrently and checks that
// they hold the same number of records with identical base read names.
func ValidatePair(ctx context.Context, r1, r2 Source, opts Opts) (PairReport, error) {
	if err := opts.validate(); err != nil {
		return PairReport{}, err
	}
	var (
		g, gctx    = errgroup.WithContext(ctx)
		keys1      = make(chan pairKey, 1024)
		keys2      = make(chan pairKey, 1024)
		rep        PairReport
		mismatches []Failure
	)
	g.Go(func() (err error) {
		defer close(keys1)
		rep.R1, err = scan(gctx, r1, fastq.R1, opts, keys1)
		return
	})
	g.Go(func() (err error) {
		defer close(keys2)
		rep.R2, err = scan(gctx, r2, fastq.R2, opts, keys2)
		return
	})
	g.Go(func() error {
		for {
			k1, ok1 := <-keys1
			k2, ok2 := <-keys2
			if !ok1 || !ok2 {
				// Count mismatches are reported once both counts are known.
				for range keys1 {
				}
				for range keys2 {
				}
				return nil
			}
			rep.Pairs++
			var err *PairMismatchError
			switch {
			case k1.name != k2.name:
				err = &PairMismatchError{Record: rep.Pairs, R1Name: k1.name, R2Name: k2.name, Reason: ReasonPairName}
			case opts.CheckPairedLengths && k1.length != k2.length:
				err = &PairMismatchError{Record: rep.Pairs, R1Name: k1.name, R2Name: k2.name,
					R1Len: k1.length, R2Len: k2.length, Reason: ReasonPairLength}
			}
			if err == nil {
				continue
			}
			rep.PairMismatches++
			if len(mismatches) < opts.MaxFailures {
				mismatches = append(mismatches, Failure{Record: rep.Pairs, ReadID: k1.name, Err: err})
			}
		}
	})
	if err := g.Wait(); err != nil {
		return PairReport{}, err
	}
	if rep.R1.TotalReads != rep.R2.TotalReads {
		rep.PairMismatches++
		first := rep.R1.TotalReads
		if rep.R2.TotalReads < first {
			first = rep.R2.TotalReads
		}
		err := &PairMismatchError{
			Record:  first + 1,
			R1Count: rep.R1.TotalReads,
			R2Count: rep.R2.TotalReads,
			Reason:  ReasonPairCount,
		}
		if len(mismatches) < opts.MaxFailures {
			mismatches = append(mismatches, Failure{Record: first + 1, Err: err})
		}
	}
	rep.Failures = mismatches
	rep.Passed = rep.R1.Passed && rep.R2.Passed && rep.PairMismatches == 0
	return rep, nil
}

// ValidatePaths opens and validates the FASTQ file r1Path, and r2Path if it
// is nonempty. For single-end input the returned PairReport only has R1
// set. Both files are closed before ValidatePaths returns.
func ValidatePaths(ctx context.Context, r1Path, r2Path string, opts Opts) (rep PairReport, err error) {
	s1, err := fastq.Open(ctx, r1Path, fastq.R1)
	if err != nil {
		return PairReport{}, err
	}
	once := gerrors.Once{}
	defer func() {
		once.Set(s1.Close(ctx))
		if err == nil {
			err = once.Err()
		}
		if err != nil {
			rep = PairReport{}
		}
	}()
	if r2Path == "" {
		rep.R1, err = Validate(ctx, s1, opts)
		if err != nil {
			return PairReport{}, err
		}
		rep.R1.Mate = fastq.R1
		rep.R1.Path = r1Path
		rep.Pairs = rep.R1.TotalReads
		rep.Passed = rep.R1.Passed
		logReport(rep.R1)
		return rep, nil
	}
	s2, err := fastq.Open(ctx, r2Path, fastq.R2)
	if err != nil {
		return PairReport{}, err
	}
	defer func() { once.Set(s2.Close(ctx)) }()
	if rep, err = ValidatePair(ctx, s1, s2, opts); err != nil {
		return PairReport{}, err
	}
	rep.R1.Path, rep.R2.Path = r1Path, r2Path
	logReport(rep.R1)
	logReport(rep.R2)
	if rep.PairMismatches > 0 {
		log.Printf("fastqc: %s/%s: %d pair mismatches", r1Path, r2Path, rep.PairMismatches)
	}
	return rep, nil
}

func logReport(r Report) {
	log.Printf("fastqc: %s: %d reads, mean quality %.2f, %d failed, passed=%v",
		r.Path, r.TotalReads, r.MeanQuality, r.FailCount, r.Passed)
}
