// Package spatial defines spatial barcode records and tiles, and reads and
// writes them as delimited tables.
package spatial

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// BarcodeRecord is one spatial barcode with its feature counts.
type BarcodeRecord struct {
	BarcodeID    string  `json:"barcode_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	ReadCount    int64   `json:"read_count"`
	GeneCount    int64   `json:"gene_count"`
	MitoFraction float64 `json:"mito_fraction"`
	Region       string  `json:"region,omitempty"`
}

// Coord is a spatial coordinate. Records at equal coordinates denote the
// same spot.
type Coord struct {
	X, Y float64
}

// Coord returns the coordinate of r, with negative zero normalized so that
// equal positions compare equal.
func (r *BarcodeRecord) Coord() Coord {
	return Coord{X: r.X + 0, Y: r.Y + 0}
}

func (c Coord) String() string { return fmt.Sprintf("(%g, %g)", c.X, c.Y) }

// Validate checks the invariants of a single record.
func (r *BarcodeRecord) Validate() error {
	switch {
	case r.BarcodeID == "":
		return errors.E(errors.Invalid, "empty barcode_id")
	case math.IsNaN(r.X) || math.IsInf(r.X, 0) || math.IsNaN(r.Y) || math.IsInf(r.Y, 0):
		return errors.E(errors.Invalid, fmt.Sprintf("barcode %s: coordinates must be finite", r.BarcodeID))
	case r.ReadCount < 0 || r.GeneCount < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("barcode %s: negative count", r.BarcodeID))
	case !(r.MitoFraction >= 0 && r.MitoFraction <= 1):
		return errors.E(errors.Invalid, fmt.Sprintf("barcode %s: mito_fraction %g is outside [0, 1]", r.BarcodeID, r.MitoFraction))
	}
	return nil
}

// BBox is an axis-aligned bounding box. The zero BBox is empty.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
	Empty                  bool `json:"-"`
}

// Contains reports whether c lies in the closed box.
func (b BBox) Contains(c Coord) bool {
	return !b.Empty && c.X >= b.MinX && c.X <= b.MaxX && c.Y >= b.MinY && c.Y <= b.MaxY
}

// Union returns the smallest box containing b and o.
func (b BBox) Union(o BBox) BBox {
	switch {
	case b.Empty:
		return o
	case o.Empty:
		return b
	}
	return BBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// ComputeBBox returns the bounding box of records.
func ComputeBBox(records []BarcodeRecord) BBox {
	if len(records) == 0 {
		return BBox{Empty: true}
	}
	b := BBox{MinX: records[0].X, MinY: records[0].Y, MaxX: records[0].X, MaxY: records[0].Y}
	for _, r := range records[1:] {
		b.MinX = math.Min(b.MinX, r.X)
		b.MinY = math.Min(b.MinY, r.Y)
		b.MaxX = math.Max(b.MaxX, r.X)
		b.MaxY = math.Max(b.MaxY, r.Y)
	}
	return b
}

// Tile is an independently captured set of barcodes.
type Tile struct {
	ID      string          `json:"tile_id"`
	Records []BarcodeRecord `json:"records"`
	BBox    BBox            `json:"bbox"`
}

// NewTile validates records and returns a tile holding them. Barcode IDs
// must be unique within the tile.
func NewTile(id string, records []BarcodeRecord) (Tile, error) {
	seen := make(map[string]struct{}, len(records))
	for i := range records {
		r := &records[i]
		if err := r.Validate(); err != nil {
			return Tile{}, errors.E(err, "tile", id)
		}
		if _, ok := seen[r.BarcodeID]; ok {
			return Tile{}, errors.E(errors.Invalid, fmt.Sprintf("tile %s: duplicate barcode_id %s", id, r.BarcodeID))
		}
		seen[r.BarcodeID] = struct{}{}
	}
	return Tile{ID: id, Records: records, BBox: ComputeBBox(records)}, nil
}

// Len returns the number of records in t.
func (t Tile) Len() int { return len(t.Records) }

// WithRecords returns a tile with t's ID holding records.
func (t Tile) WithRecords(records []BarcodeRecord) Tile {
	return Tile{ID: t.ID, Records: records, BBox: ComputeBBox(records)}
}
