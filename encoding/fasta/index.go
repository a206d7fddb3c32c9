// Package fasta indexes FASTA reference sequences in the samtools faidx
// format (http://www.htslib.org/doc/faidx.html).
package fasta

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Contig is one line of a FASTA index.
type Contig struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
	// Offset is the byte offset of the first base. LineBases and LineWidth
	// are the number of bases per line and bytes per line including the
	// newline.
	Offset    int64 `json:"-"`
	LineBases int   `json:"-"`
	LineWidth int   `json:"-"`
}

type faiRow struct {
	Name      string `tsv:"name"`
	Length    int64  `tsv:"length"`
	Offset    int64  `tsv:"offset"`
	LineBases int    `tsv:"line_bases"`
	LineWidth int    `tsv:"line_width"`
}

// GenerateIndex scans the FASTA data in in, writes its index to out, and
// returns the contigs in file order. Out may be ioutil.Discard.
func GenerateIndex(out io.Writer, in io.Reader) ([]Contig, error) {
	var (
		w       = tsv.NewWriter(out)
		r       = bufio.NewReaderSize(in, 1<<20)
		contigs []Contig
		cur     *Contig
		cumByte int64
		once    errors.Once
	)
	flush := func() {
		if cur == nil {
			return
		}
		w.WriteString(cur.Name)
		w.WriteInt64(cur.Length)
		w.WriteInt64(cur.Offset)
		w.WriteInt64(int64(cur.LineBases))
		w.WriteInt64(int64(cur.LineWidth))
		once.Set(w.EndLine())
		contigs = append(contigs, *cur)
	}
	for eof := false; !eof && once.Err() == nil; {
		fullLine, err := r.ReadBytes('\n')
		if err == io.EOF {
			eof = true
		} else if err != nil {
			once.Set(err)
		}
		cumByte += int64(len(fullLine))
		line := bytes.TrimRight(fullLine, "\r\n")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			flush()
			name := strings.Fields(string(line[1:]))
			if len(name) == 0 {
				once.Set(errors.E(errors.Invalid, "malformed FASTA: empty sequence name"))
				break
			}
			cur = &Contig{Name: name[0], Offset: cumByte}
			continue
		}
		if cur == nil {
			once.Set(errors.E(errors.Invalid, "malformed FASTA: bases before the first header"))
			break
		}
		if cur.LineWidth == 0 {
			cur.LineWidth = len(fullLine)
			cur.LineBases = len(line)
		}
		cur.Length += int64(len(line))
	}
	if once.Err() == nil {
		flush()
	}
	once.Set(w.Flush())
	if once.Err() == nil && cumByte == 0 {
		once.Set(errors.E(errors.Invalid, "empty FASTA file"))
	}
	if err := once.Err(); err != nil {
		return nil, err
	}
	return contigs, nil
}

// ReadIndex parses a FASTA index.
func ReadIndex(in io.Reader) ([]Contig, error) {
	r := tsv.NewReader(in)
	var contigs []Contig
	for {
		var row faiRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				return contigs, nil
			}
			return nil, errors.E(errors.Invalid, err, "read FASTA index")
		}
		contigs = append(contigs, Contig(row))
	}
}

// IndexPath returns the conventional index path of a FASTA file.
func IndexPath(path string) string { return path + ".fai" }

// IndexFile returns the contigs of the FASTA file at path. An existing index
// at IndexPath(path) is read instead of the sequence. Otherwise the sequence
// is scanned and, unless it is compressed, its index is written next to it.
// Offsets are not meaningful for a compressed file, so no index is written
// for one.
func IndexFile(ctx context.Context, path string) ([]Contig, error) {
	idx := IndexPath(path)
	if _, err := file.Stat(ctx, idx); err == nil {
		contigs, err := readIndexFile(ctx, idx)
		if err == nil {
			return contigs, nil
		}
		log.Error.Printf("fasta: regenerating %s: %v", idx, err)
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		defer u.Close() // nolint: errcheck
		contigs, err := GenerateIndex(ioutil.Discard, u)
		if err != nil {
			return nil, errors.E(err, "index", path)
		}
		return contigs, nil
	}
	out, err := file.Create(ctx, idx)
	if err != nil {
		return nil, errors.E(err, "create", idx)
	}
	contigs, err := GenerateIndex(out.Writer(ctx), r)
	if err != nil {
		out.Close(ctx) // nolint: errcheck
		if rerr := file.Remove(ctx, idx); rerr != nil {
			log.Error.Printf("fasta: remove partial %s: %v", idx, rerr)
		}
		return nil, errors.E(err, "index", path)
	}
	if err := out.Close(ctx); err != nil {
		return nil, errors.E(err, "close", idx)
	}
	log.Debug.Printf("fasta: wrote %s (%d contigs)", idx, len(contigs))
	return contigs, nil
}

func readIndexFile(ctx context.Context, path string) ([]Contig, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	contigs, err := ReadIndex(in.Reader(ctx))
	once := errors.Once{}
	once.Set(err)
	once.Set(in.Close(ctx))
	return contigs, once.Err()
}
