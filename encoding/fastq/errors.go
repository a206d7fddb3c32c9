package fastq

import "fmt"

// MalformedInputError is returned when the record framing of a FASTQ stream
// is broken, including a stream that ends in the middle of a 4-line record.
type MalformedInputError struct {
	// Line is the 1-based line number where the problem was detected.
	Line int
	// Record is the 1-based index of the offending record.
	Record int
	Reason string
	// Lines is the number of lines of the incomplete record that were
	// present, when the stream ended inside a record.
	Lines int
}

func (e *MalformedInputError) Error() string {
	if e.Lines > 0 {
		return fmt.Sprintf("malformed FASTQ: record %d: %s (found %d of 4 lines)", e.Record, e.Reason, e.Lines)
	}
	return fmt.Sprintf("malformed FASTQ: line %d (record %d): %s", e.Line, e.Record, e.Reason)
}

// EncodingError is returned when a FASTQ line contains bytes outside the
// allowed encoding: printable ASCII for sequence and quality lines, UTF-8
// for ID lines.
type EncodingError struct {
	Line   int
	Record int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid byte sequence in FASTQ: line %d (record %d)", e.Line, e.Record)
}

// DiscordantError is returned by PairScanner when the two streams hold a
// different number of reads.
type DiscordantError struct {
	R1Reads, R2Reads int
}

func (e *DiscordantError) Error() string {
	return fmt.Sprintf("discordant FASTQ pairs: R1 has %d+ reads, R2 has %d+ reads", e.R1Reads, e.R2Reads)
}
