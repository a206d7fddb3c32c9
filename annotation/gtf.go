package annotation

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// gtfRecord stores one line of a GTF file.
type gtfRecord struct {
	Chrom    string
	Source   string
	Molecule string
	Start    int
	Stop     int
	Score    string // unused floating point value, but may be "."
	Strand   string
	Frame    string
	Fields   string
}

// parseInfoFields parses the attribute column of a GTF record into
// key/value pairs, reusing the parsed map.
func parseInfoFields(parsed map[string]string, info string) {
	for k := range parsed {
		delete(parsed, k)
	}
	for _, field := range strings.Split(strings.TrimSpace(info), ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pair := strings.SplitN(field, " ", 2)
		if len(pair) != 2 {
			continue
		}
		if _, ok := parsed[pair[0]]; ok {
			// Keys such as "tag" repeat; the first occurrence wins.
			continue
		}
		parsed[pair[0]] = strings.Trim(strings.TrimSpace(pair[1]), "\"")
	}
}

func openText(ctx context.Context, path string) (io.Reader, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, errors.E(err, "open", path)
	}
	var r io.Reader = in.Reader(ctx)
	uncompressed := compress.NewReaderPath(r, in.Name())
	if uncompressed != nil {
		r = uncompressed
	}
	closer := func() error {
		once := errors.Once{}
		if uncompressed != nil {
			once.Set(uncompressed.Close())
		}
		once.Set(in.Close(ctx))
		return once.Err()
	}
	return bufio.NewReaderSize(r, 64<<10), closer, nil
}

// ReadGTF reads the genes of a GTF file (optionally compressed). Genes are
// taken from "gene" features; the symbol is the gene_name attribute,
// falling back to gene_id. For files without gene features, such as UCSC
// RefSeq GTFs, each gene spans the union of its transcripts. Records are
// returned in file order.
func ReadGTF(ctx context.Context, path string) ([]Record, error) {
	r, closer, err := openText(ctx, path)
	if err != nil {
		return nil, err
	}
	recs, err := parseGTF(r)
	if cerr := closer(); err == nil && cerr != nil {
		err = errors.E(cerr, "close", path)
	}
	if err != nil {
		return nil, errors.E(err, "read gtf", path)
	}
	log.Printf("annotation: read %d genes from %s", len(recs), path)
	return recs, nil
}

func parseGTF(in io.Reader) ([]Record, error) {
	scanner := tsv.NewReader(in)
	scanner.Comment = '#'
	scanner.LazyQuotes = true
	var (
		line   gtfRecord
		fields = map[string]string{}
		genes  []Record
		// Genes synthesized from transcripts, in order of first appearance.
		derived     []Record
		derivedByID = map[string]int{}
		haveGenes   bool
	)
	for {
		if err := scanner.Read(&line); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if line.Molecule != "gene" && line.Molecule != "transcript" {
			continue
		}
		parseInfoFields(fields, line.Fields)
		rec := Record{
			Symbol: fields["gene_name"],
			GeneID: fields["gene_id"],
			Chrom:  line.Chrom,
			Start:  line.Start,
			End:    line.Stop,
			Strand: line.Strand,
			Source: line.Source,
		}
		if rec.Symbol == "" {
			rec.Symbol = rec.GeneID
		}
		if rec.Symbol == "" {
			continue
		}
		if line.Molecule == "gene" {
			haveGenes = true
			genes = append(genes, rec)
			continue
		}
		if haveGenes {
			continue
		}
		key := rec.GeneID + "\x00" + rec.Chrom
		if i, ok := derivedByID[key]; ok {
			g := &derived[i]
			if rec.Start < g.Start {
				g.Start = rec.Start
			}
			if rec.End > g.End {
				g.End = rec.End
			}
			continue
		}
		derivedByID[key] = len(derived)
		derived = append(derived, rec)
	}
	if haveGenes {
		return genes, nil
	}
	return derived, nil
}
