package spatial

import (
	"bufio"
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

// Columns lists the required table columns in output order.
var Columns = []string{"barcode_id", "x", "y", "read_count", "gene_count", "mito_fraction"}

// RegionColumn is the optional region column.
const RegionColumn = "region"

type row struct {
	BarcodeID    string  `tsv:"barcode_id"`
	X            float64 `tsv:"x"`
	Y            float64 `tsv:"y"`
	ReadCount    int64   `tsv:"read_count"`
	GeneCount    int64   `tsv:"gene_count"`
	MitoFraction float64 `tsv:"mito_fraction"`
}

type regionRow struct {
	BarcodeID    string  `tsv:"barcode_id"`
	X            float64 `tsv:"x"`
	Y            float64 `tsv:"y"`
	ReadCount    int64   `tsv:"read_count"`
	GeneCount    int64   `tsv:"gene_count"`
	MitoFraction float64 `tsv:"mito_fraction"`
	Region       string  `tsv:"region"`
}

// TileID derives a tile ID from a table path by stripping directories and
// extensions.
func TileID(path string) string {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

// ReadTile reads a barcode table into a tile. The file may be compressed.
// Files named *.csv (before any compression suffix) are comma-separated;
// all others are tab-separated. Columns are matched by header name and
// extra columns are ignored. If tileID is empty, it is derived from path.
func ReadTile(ctx context.Context, path, tileID string) (Tile, error) {
	if tileID == "" {
		tileID = TileID(path)
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return Tile{}, errors.E(err, "open", path)
	}
	var r io.Reader = in.Reader(ctx)
	uncompressed := compress.NewReaderPath(r, in.Name())
	if uncompressed != nil {
		r = uncompressed
	}
	records, err := ReadRecords(r, isCSV(path))
	once := errors.Once{}
	once.Set(err)
	if uncompressed != nil {
		once.Set(uncompressed.Close())
	}
	once.Set(in.Close(ctx))
	if err := once.Err(); err != nil {
		return Tile{}, errors.E(err, "read table", path)
	}
	return NewTile(tileID, records)
}

func isCSV(path string) bool {
	for _, ext := range []string{".gz", ".bz2", ".zst"} {
		path = strings.TrimSuffix(path, ext)
	}
	return strings.HasSuffix(strings.ToLower(path), ".csv")
}

// ReadRecords reads a barcode table with a header row from in.
func ReadRecords(in io.Reader, csv bool) ([]BarcodeRecord, error) {
	br := bufio.NewReaderSize(in, 64<<10)
	header, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	if strings.TrimSpace(header) == "" {
		return nil, errors.E(errors.Invalid, "missing header row")
	}
	sep := "\t"
	if csv {
		sep = ","
	}
	hasRegion := false
	for _, col := range strings.Split(strings.TrimRight(header, "\r\n"), sep) {
		if strings.TrimSpace(col) == RegionColumn {
			hasRegion = true
		}
	}
	r := tsv.NewReader(io.MultiReader(strings.NewReader(header), br))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	if csv {
		r.Comma = ','
	}
	var records []BarcodeRecord
	for {
		var rec BarcodeRecord
		if hasRegion {
			var v regionRow
			if err := r.Read(&v); err != nil {
				if err == io.EOF {
					break
				}
				return nil, err
			}
			rec = BarcodeRecord(v)
		} else {
			var v row
			if err := r.Read(&v); err != nil {
				if err == io.EOF {
					break
				}
				return nil, err
			}
			rec = BarcodeRecord{
				BarcodeID:    v.BarcodeID,
				X:            v.X,
				Y:            v.Y,
				ReadCount:    v.ReadCount,
				GeneCount:    v.GeneCount,
				MitoFraction: v.MitoFraction,
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteRecords writes records as a tab-separated table with a header row.
// The region column is written if any record has a region.
func WriteRecords(out io.Writer, records []BarcodeRecord) error {
	withRegion := false
	for i := range records {
		if records[i].Region != "" {
			withRegion = true
			break
		}
	}
	w := tsv.NewWriter(out)
	for _, col := range Columns {
		w.WriteString(col)
	}
	if withRegion {
		w.WriteString(RegionColumn)
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	for i := range records {
		r := &records[i]
		w.WriteString(r.BarcodeID)
		w.WriteString(formatFloat(r.X))
		w.WriteString(formatFloat(r.Y))
		w.WriteInt64(r.ReadCount)
		w.WriteInt64(r.GeneCount)
		w.WriteString(formatFloat(r.MitoFraction))
		if withRegion {
			w.WriteString(r.Region)
		}
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteTable writes records to path, gzip-compressed if path ends in ".gz".
// On error, no file is left at path.
func WriteTable(ctx context.Context, path string, records []BarcodeRecord) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	bw := bufio.NewWriterSize(out.Writer(ctx), 1<<20)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	once := errors.Once{}
	once.Set(WriteRecords(w, records))
	if gz != nil {
		once.Set(gz.Close())
	}
	once.Set(bw.Flush())
	if err := once.Err(); err != nil {
		out.Close(ctx) // nolint: errcheck
		if rerr := file.Remove(ctx, path); rerr != nil {
			log.Error.Printf("spatial: remove partial %s: %v", path, rerr)
		}
		return errors.E(err, "write table", path)
	}
	if err := out.Close(ctx); err != nil {
		return errors.E(err, "close", path)
	}
	return nil
}
