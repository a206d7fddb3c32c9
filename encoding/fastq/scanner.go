package fastq

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/grailbio/base/compress"
	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Mate identifies which read of a pair a record belongs to.
type Mate uint8

const (
	// Unpaired is used for single-end data.
	Unpaired Mate = iota
	// R1 is the first read of a pair.
	R1
	// R2 is the second read of a pair.
	R2
)

func (m Mate) String() string {
	switch m {
	case R1:
		return "R1"
	case R2:
		return "R2"
	default:
		return "unpaired"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mate) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// A Read is a FASTQ read, comprising an ID, sequence, line 3
// ("unknown"), and a quality string. ID includes the leading '@'.
type Read struct {
	ID, Seq, Unk, Qual string
	Mate               Mate
}

// Trim cuts the read and quality lengths to at most n.
func (r *Read) Trim(n int) {
	if n < len(r.Seq) {
		r.Seq = r.Seq[:n]
	}
	if n < len(r.Qual) {
		r.Qual = r.Qual[:n]
	}
}

// Name returns the read name: the ID without the leading '@' and without
// the trailing comment.
func (r *Read) Name() string {
	id := strings.TrimPrefix(r.ID, "@")
	if i := strings.IndexAny(id, " \t"); i >= 0 {
		id = id[:i]
	}
	return id
}

// BaseName returns Name with a trailing "/1" or "/2" mate suffix removed.
// Mates of the same fragment have equal base names.
func (r *Read) BaseName() string {
	name := r.Name()
	if n := len(name); n >= 2 && name[n-2] == '/' && (name[n-1] == '1' || name[n-1] == '2') {
		name = name[:n-2]
	}
	return name
}

// maxLineLength bounds a single FASTQ line. Long-read data can exceed the
// bufio.Scanner default of 64KiB.
const maxLineLength = 16 << 20

var errEOF = errors.New("eof")

// Scanner provides a convenient interface for reading FASTQ read
// data. The Scan method returns the next read, returning a boolean
// indicating whether the read succeeded. Scanners are not
// threadsafe.
//
// Scanner validates the record framing: ID lines must begin with "@", line 3
// must begin with "+", a stream must not end inside a record, and sequence
// and quality lines must be printable ASCII. It does not check that
// seq/qual have equal lengths or that bases are in range; see package
// fastqc for that.
type Scanner struct {
	b      *bufio.Scanner
	err    error
	mate   Mate
	line   int
	nRead  int
	closer func(ctx context.Context) error
}

// NewScanner constructs a new Scanner that reads raw FASTQ data from the
// provided reader. Every read is tagged with the given mate.
func NewScanner(r io.Reader, mate Mate) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 0, 64<<10), maxLineLength)
	return &Scanner{b: b, mate: mate}
}

// Open opens the FASTQ file at path for scanning. Files with a compression
// suffix (e.g. ".gz") are decompressed on the fly. The caller must call
// Close, even if it stops scanning before the end of the file.
func Open(ctx context.Context, path string, mate Mate) (*Scanner, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, gerrors.E(err, "open fastq", path)
	}
	var (
		r  io.Reader = in.Reader(ctx)
		rc io.ReadCloser
	)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r, rc = u, u
	}
	s := NewScanner(r, mate)
	s.closer = func(ctx context.Context) error {
		once := gerrors.Once{}
		if rc != nil {
			once.Set(rc.Close())
		}
		once.Set(in.Close(ctx))
		return once.Err()
	}
	return s, nil
}

// Close releases the file handles held by a scanner created by Open. It is a
// no-op for scanners created by NewScanner. Close may be called more than
// once.
func (f *Scanner) Close(ctx context.Context) error {
	if f.closer == nil {
		return nil
	}
	closer := f.closer
	f.closer = nil
	return closer(ctx)
}

// Scan the next read into the provided read. Scan returns a boolean
// indicating whether the scan succeeded. Once Scan returns false, it
// never returns true again. Upon completion, the user should check
// the Err method to determine whether scanning stopped because of an
// error or because the end of the stream was reached.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil {
		return false
	}
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = errEOF
		}
		return false
	}
	f.line++
	id := trimCR(f.b.Bytes())
	if len(id) == 0 || id[0] != '@' {
		f.err = f.malformed("header line does not start with '@'")
		return false
	}
	if !utf8.Valid(id) {
		f.err = &EncodingError{Line: f.line, Record: f.nRead + 1}
		return false
	}
	read.ID = string(id)
	read.Mate = f.mate

	seq, ok := f.scan(1)
	if !ok {
		return false
	}
	read.Seq = string(seq)

	unk, ok := f.scan(2)
	if !ok {
		return false
	}
	if len(unk) == 0 || unk[0] != '+' {
		f.err = f.malformed("separator line does not start with '+'")
		return false
	}
	read.Unk = string(unk)

	qual, ok := f.scan(3)
	if !ok {
		return false
	}
	read.Qual = string(qual)
	f.nRead++
	return true
}

// scan reads line i (1-based within the record) of the current record.
func (f *Scanner) scan(i int) ([]byte, bool) {
	if !f.b.Scan() {
		if f.err = f.b.Err(); f.err == nil {
			f.err = &MalformedInputError{
				Line:   f.line,
				Record: f.nRead + 1,
				Reason: "stream ends inside a record",
				Lines:  i,
			}
		}
		return nil, false
	}
	f.line++
	data := trimCR(f.b.Bytes())
	if i != 2 && !printableASCII(data) {
		f.err = &EncodingError{Line: f.line, Record: f.nRead + 1}
		return nil, false
	}
	return data, true
}

func (f *Scanner) malformed(reason string) error {
	return &MalformedInputError{Line: f.line, Record: f.nRead + 1, Reason: reason}
}

// Err returns the scanning error, if any.
func (f *Scanner) Err() error {
	if f.err == errEOF {
		return nil
	}
	return f.err
}

// NumReads returns the number of complete records scanned so far.
func (f *Scanner) NumReads() int { return f.nRead }

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

func printableASCII(b []byte) bool {
	for _, c := range b {
		if c < '!' || c > '~' {
			return false
		}
	}
	return true
}

// PairScanner composes a pair of scanners to scan a pair of FASTQ
// streams.
type PairScanner struct {
	r1, r2 *Scanner
	err    error
}

// NewPairScanner creates a new FASTQ pair scanner from the provided
// R1 and R2 scanners.
func NewPairScanner(r1, r2 *Scanner) *PairScanner {
	return &PairScanner{r1: r1, r2: r2}
}

// Scan scans the next read pair into r1, r2. Scan returns a boolean
// indicating whether the scan succeeded. Once Scan returns false, it
// never returns true again. Upon completion, the user should check
// the Err method to determine whether scanning stopped because of an
// error or because the end of the stream was reached.
func (p *PairScanner) Scan(r1, r2 *Read) bool {
	if p.err != nil {
		return false
	}
	ok1 := p.r1.Scan(r1)
	ok2 := p.r2.Scan(r2)
	if ok1 != ok2 && p.r1.Err() == nil && p.r2.Err() == nil {
		p.err = &DiscordantError{R1Reads: p.r1.NumReads(), R2Reads: p.r2.NumReads()}
	}
	return ok1 && ok2
}

// Err returns the scanning error, if any. It should be checked
// after Scan returns false.
func (p *PairScanner) Err() error {
	if err := p.r1.Err(); err != nil {
		return err
	}
	if err := p.r2.Err(); err != nil {
		return err
	}
	return p.err
}
