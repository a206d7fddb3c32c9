package fastqc

import "fmt"

// LengthMismatchError reports a record whose sequence and quality strings
// have different lengths.
type LengthMismatchError struct {
	ReadID          string
	SeqLen, QualLen int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("%s: sequence length %d != quality length %d", e.ReadID, e.SeqLen, e.QualLen)
}

// InvalidBaseError reports a record containing a base outside {A,C,G,T,N}.
type InvalidBaseError struct {
	ReadID string
	Base   byte
	// Pos is the 0-based offset of the first invalid base.
	Pos int
}

func (e *InvalidBaseError) Error() string {
	return fmt.Sprintf("%s: invalid base %q at position %d", e.ReadID, e.Base, e.Pos)
}

// PairMismatchError reports R1/R2 streams that disagree: a differing read
// name, a differing read length (when paired lengths are checked), or a
// differing number of records.
type PairMismatchError struct {
	// Record is the 1-based index of the pair, or the first record index
	// present in only one stream for a count mismatch.
	Record           int64
	R1Name, R2Name   string
	R1Len, R2Len     int
	R1Count, R2Count int64
	Reason           string
}

func (e *PairMismatchError) Error() string {
	switch e.Reason {
	case ReasonPairCount:
		return fmt.Sprintf("pair mismatch: R1 has %d records, R2 has %d records", e.R1Count, e.R2Count)
	case ReasonPairLength:
		return fmt.Sprintf("pair mismatch at record %d (%s): R1 length %d != R2 length %d", e.Record, e.R1Name, e.R1Len, e.R2Len)
	default:
		return fmt.Sprintf("pair mismatch at record %d: R1 %q != R2 %q", e.Record, e.R1Name, e.R2Name)
	}
}

// Pair mismatch reasons.
const (
	ReasonPairName   = "name"
	ReasonPairLength = "length"
	ReasonPairCount  = "count"
)
