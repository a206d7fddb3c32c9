package fastq

import (
	"bufio"
	"context"
	"io"
	"strings"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
)

var newline = []byte{'\n'}

// Writer is a FASTQ file writer.
type Writer struct {
	w      io.Writer
	err    error
	closer func(ctx context.Context) error
}

// NewWriter constructs a new FASTQ writer
// that writes reads to the underlying writer w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Create creates a FASTQ file at path. If path ends in ".gz" the output is
// gzip-compressed. The caller must call Close to flush the output.
func Create(ctx context.Context, path string) (*Writer, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, gerrors.E(err, "create fastq", path)
	}
	bw := bufio.NewWriterSize(out.Writer(ctx), 1<<20)
	w := &Writer{w: bw}
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w.w = gz
	}
	w.closer = func(ctx context.Context) error {
		once := gerrors.Once{}
		if gz != nil {
			once.Set(gz.Close())
		}
		once.Set(bw.Flush())
		once.Set(out.Close(ctx))
		return once.Err()
	}
	return w, nil
}

// Write writes the read r in FASTQ format.
// An error is returned if the write failed.
func (w *Writer) Write(r *Read) error {
	w.writeln(r.ID)
	w.writeln(r.Seq)
	if r.Unk == "" {
		w.writeln("+")
	} else {
		w.writeln(r.Unk)
	}
	w.writeln(r.Qual)
	return w.err
}

// Close flushes and closes a writer created by Create. It returns the first
// error encountered by Write or Close.
func (w *Writer) Close(ctx context.Context) error {
	if w.closer == nil {
		return w.err
	}
	closer := w.closer
	w.closer = nil
	if err := closer(ctx); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

func (w *Writer) writeln(line string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.w, line)
	if w.err == nil {
		_, w.err = w.w.Write(newline)
	}
}
