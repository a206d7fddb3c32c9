package annotation

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// tsvRow is one row of an annotation table. Columns are matched by header
// name; other columns are ignored.
type tsvRow struct {
	Symbol string `tsv:"gene_symbol"`
	Chrom  string `tsv:"chromosome"`
	Start  int    `tsv:"start"`
	End    int    `tsv:"end"`
	Strand string `tsv:"strand"`
	Source string `tsv:"source"`
}

// ReadTSV reads an annotation table with the columns gene_symbol,
// chromosome, start, end, strand and source. Coordinates are 1-based and
// closed.
func ReadTSV(ctx context.Context, path string) ([]Record, error) {
	r, closer, err := openText(ctx, path)
	if err != nil {
		return nil, err
	}
	recs, err := parseTSV(r)
	if cerr := closer(); err == nil && cerr != nil {
		err = errors.E(cerr, "close", path)
	}
	if err != nil {
		return nil, errors.E(err, "read annotation table", path)
	}
	return recs, nil
}

func parseTSV(in io.Reader) ([]Record, error) {
	r := tsv.NewReader(in)
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.Comment = '#'
	var recs []Record
	for {
		var row tsvRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if row.End < row.Start {
			return nil, errors.E(errors.Invalid, "gene", row.Symbol, "ends before it starts")
		}
		recs = append(recs, Record{
			Symbol: row.Symbol,
			Chrom:  row.Chrom,
			Start:  row.Start,
			End:    row.End,
			Strand: row.Strand,
			Source: row.Source,
		})
	}
	return recs, nil
}
