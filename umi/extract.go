// Package umi extracts unique molecular identifiers from reads according to
// a read structure, and optionally snaps them to a list of known UMIs.
package umi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/spatialqc/encoding/fastq"
)

// Opts controls UMI extraction.
type Opts struct {
	// ExpectedUMILength, if positive, must equal the UMI length declared by
	// the read structure.
	ExpectedUMILength int `json:"expected_umi_length"`
	// Separator is inserted between the read name and the UMI.
	Separator string `json:"separator"`
	// KnownUMIs, if non-empty, enables snap correction of extracted UMIs.
	KnownUMIs []string `json:"known_umis"`
	// MaxFailures caps the number of failed records listed in Stats.
	MaxFailures int `json:"max_failures"`
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	Separator:   ":UMI=",
	MaxFailures: 100,
}

// Failure describes one record that could not be transformed.
type Failure struct {
	// Record is the 1-based index of the record in its stream.
	Record int64
	ReadID string
	Err    error
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

// Stats summarizes an extraction run.
type Stats struct {
	Records   int64     `json:"records"`
	Extracted int64     `json:"extracted"`
	Failed    int64     `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	// Corrected counts UMIs snapped to a different known UMI;
	// Uncorrectable counts UMIs with no unique closest known UMI. Both are
	// zero unless Opts.KnownUMIs is set.
	Corrected     int64 `json:"corrected"`
	Uncorrectable int64 `json:"uncorrectable"`
}

// Sink receives transformed reads. *fastq.Writer implements Sink.
type Sink interface {
	Write(r *fastq.Read) error
}

// Source is a stream of FASTQ reads. *fastq.Scanner implements Source.
type Source interface {
	Scan(r *fastq.Read) bool
	Err() error
}

// Extractor applies a read structure to reads. It is not threadsafe.
type Extractor struct {
	rs        ReadStructure
	opts      Opts
	corrector *SnapCorrector
}

// NewExtractor creates an Extractor. It fails with *InvalidUmiLengthError if
// opts.ExpectedUMILength is set and differs from the structure's UMI
// length.
func NewExtractor(rs ReadStructure, opts Opts) (*Extractor, error) {
	if rs.Segments == nil {
		return nil, &ReadStructureError{Reason: "no segments"}
	}
	if opts.ExpectedUMILength > 0 && rs.UMILength() != opts.ExpectedUMILength {
		return nil, &InvalidUmiLengthError{Structure: rs.String(), Declared: rs.UMILength(), Expects: opts.ExpectedUMILength}
	}
	e := &Extractor{rs: rs, opts: opts}
	if len(opts.KnownUMIs) > 0 {
		c, err := NewSnapCorrector(opts.KnownUMIs)
		if err != nil {
			return nil, err
		}
		if c.Len() != rs.UMILength() {
			return nil, &InvalidUmiLengthError{Structure: rs.String(), Declared: rs.UMILength(), Expects: c.Len()}
		}
		e.corrector = c
	}
	return e, nil
}

// Split applies rs to one read, returning the concatenated UMI bases and
// the template sequence and quality. It returns a *ReadStructureError if the
// sequence and quality lengths differ or the read is shorter than the
// fixed-length part of the structure. Bases past the end of a structure
// without a variable-length segment are dropped.
func (rs ReadStructure) Split(r *fastq.Read) (umi, seq, qual string, err error) {
	n := len(r.Seq)
	if len(r.Qual) != n {
		return "", "", "", &ReadStructureError{
			Structure: rs.String(),
			ReadID:    r.Name(),
			ReadLen:   n,
			Reason:    fmt.Sprintf("sequence length %d differs from quality length %d", n, len(r.Qual)),
		}
	}
	if n < rs.fixedLen {
		return "", "", "", &ReadStructureError{
			Structure: rs.String(),
			ReadID:    r.Name(),
			ReadLen:   n,
			Reason:    "read is shorter than the fixed-length segments",
		}
	}
	var (
		umis     []string
		seqParts []string
		qualPart []string
		off      int
	)
	for _, s := range rs.Segments {
		end := off + s.Length
		if s.Length == VariableLength {
			end = n
		}
		switch s.Kind {
		case UMI:
			umis = append(umis, r.Seq[off:end])
		case Template:
			seqParts = append(seqParts, r.Seq[off:end])
			qualPart = append(qualPart, r.Qual[off:end])
		}
		off = end
	}
	return strings.Join(umis, ""), strings.Join(seqParts, ""), strings.Join(qualPart, ""), nil
}

// Extract transforms r in place: template bases replace the sequence and
// quality, and the UMI is appended to the read name. It returns the UMI.
func (e *Extractor) Extract(r *fastq.Read) (string, error) {
	umi, seq, qual, err := e.rs.Split(r)
	if err != nil {
		return "", err
	}
	if e.corrector != nil {
		umi, _, _ = e.corrector.CorrectUMI(umi)
	}
	r.Seq, r.Qual = seq, qual
	r.ID = tagID(r.ID, e.opts.Separator, umi)
	return umi, nil
}

// tagID inserts sep+umi after the read name, before any comment.
func tagID(id, sep, umi string) string {
	if i := strings.IndexAny(id, " \t"); i >= 0 {
		return id[:i] + sep + umi + id[i:]
	}
	return id + sep + umi
}

func (e *Extractor) correct(umi string, stats *Stats) string {
	if e.corrector == nil {
		return umi
	}
	fixed, edits, corrected := e.corrector.CorrectUMI(umi)
	switch {
	case corrected:
		stats.Corrected++
	case edits < 0:
		stats.Uncorrectable++
	}
	return fixed
}

// Run extracts UMIs from every read of src and writes the transformed reads
// to dst. Reads that do not fit the read structure are counted and listed
// in Stats and are not written; they do not stop the run. Run returns an
// error only if src or dst fails.
func (e *Extractor) Run(ctx context.Context, src Source, dst Sink) (Stats, error) {
	var (
		stats Stats
		r     fastq.Read
	)
	for src.Scan(&r) {
		stats.Records++
		if stats.Records%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Stats{}, err
			}
		}
		umi, seq, qual, err := e.rs.Split(&r)
		if err != nil {
			stats.fail(&r, err, e.opts.MaxFailures)
			continue
		}
		umi = e.correct(umi, &stats)
		r.Seq, r.Qual = seq, qual
		r.ID = tagID(r.ID, e.opts.Separator, umi)
		if err := dst.Write(&r); err != nil {
			return Stats{}, err
		}
		stats.Extracted++
	}
	if err := src.Err(); err != nil {
		return Stats{}, err
	}
	log.Printf("umi: %d records, %d extracted, %d failed", stats.Records, stats.Extracted, stats.Failed)
	return stats, nil
}

func (s *Stats) fail(r *fastq.Read, err error, max int) {
	s.Failed++
	if len(s.Failures) < max {
		s.Failures = append(s.Failures, Failure{Record: s.Records, ReadID: r.Name(), Err: err})
	} else {
		log.Debug.Printf("umi: record %d: %v", s.Records, err)
	}
}

// RunPair extracts UMIs from both reads of each pair using one read
// structure per mate. The UMIs of R1 and R2 are concatenated in that order
// and the result is appended to the names of both reads, so that mates keep
// identical names. A pair is dropped if either read does not fit its
// structure.
func RunPair(ctx context.Context, e1, e2 *Extractor, src *fastq.PairScanner, dst1, dst2 Sink) (Stats, error) {
	var (
		stats  Stats
		r1, r2 fastq.Read
	)
	for src.Scan(&r1, &r2) {
		stats.Records++
		if stats.Records%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return Stats{}, err
			}
		}
		umi1, seq1, qual1, err := e1.rs.Split(&r1)
		if err != nil {
			stats.fail(&r1, err, e1.opts.MaxFailures)
			continue
		}
		umi2, seq2, qual2, err := e2.rs.Split(&r2)
		if err != nil {
			stats.fail(&r2, err, e1.opts.MaxFailures)
			continue
		}
		umi := e1.correct(umi1, &stats) + e2.correct(umi2, &stats)
		r1.Seq, r1.Qual, r1.ID = seq1, qual1, tagID(r1.ID, e1.opts.Separator, umi)
		r2.Seq, r2.Qual, r2.ID = seq2, qual2, tagID(r2.ID, e1.opts.Separator, umi)
		if err := dst1.Write(&r1); err != nil {
			return Stats{}, err
		}
		if err := dst2.Write(&r2); err != nil {
			return Stats{}, err
		}
		stats.Extracted++
	}
	if err := src.Err(); err != nil {
		return Stats{}, err
	}
	log.Printf("umi: %d pairs, %d extracted, %d failed", stats.Records, stats.Extracted, stats.Failed)
	return stats, nil
}
