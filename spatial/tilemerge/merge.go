// Package tilemerge merges spatial tiles into one table.
//
// Records are joined on their spatial coordinate: records of different
// tiles at the same coordinate are the same spot, and are combined under a
// collision Policy. A barcode_id shared by records at different
// coordinates is not a conflict in itself; the later record is renamed so
// that barcode IDs stay unique in the merged table.
package tilemerge

import (
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/spatialqc/spatial"
)

// TileStats describes the contribution of one input tile.
type TileStats struct {
	TileID  string `json:"tile_id"`
	Records int    `json:"records"`
	// Unique counts records at coordinates found in no other tile.
	Unique int `json:"unique"`
	// Overlapping counts records at coordinates shared with another tile.
	Overlapping int `json:"overlapping"`
	// Leading counts merged records whose barcode ID and non-numeric
	// fields come from this tile.
	Leading int `json:"leading"`
	// Renamed counts merged records led by this tile whose barcode ID was
	// changed to keep IDs unique.
	Renamed int `json:"renamed"`
}

// MergedTable is the result of a merge.
type MergedTable struct {
	Policy  Policy                  `json:"policy"`
	Records []spatial.BarcodeRecord `json:"-"`
	// OverlapCount is the number of coordinates present in two or more
	// tiles.
	OverlapCount int `json:"overlap_count"`
	MergedCount  int `json:"merged_count"`
	// OverlapPercent is OverlapCount as a percentage of MergedCount.
	OverlapPercent float64      `json:"overlap_percent"`
	Tiles          []TileStats  `json:"tiles"`
	BBox           spatial.BBox `json:"bbox"`
}

// group collects the records of all tiles at one coordinate.
type group struct {
	members []*spatial.BarcodeRecord
	tiles   []int
}

// Merge merges tiles in order under policy. The merged records are ordered
// by the first appearance of their coordinate, scanning tiles in order.
//
// Merge fails with *InvalidPolicyError if policy is unknown and with
// *EmptyTileSetError if tiles is empty, before doing any other work. A
// coordinate that occurs twice within one tile is an error.
func Merge(tiles []spatial.Tile, policy Policy) (MergedTable, error) {
	if !policy.Valid() {
		return MergedTable{}, &InvalidPolicyError{Policy: policy.String()}
	}
	if len(tiles) == 0 {
		return MergedTable{}, &EmptyTileSetError{}
	}
	var (
		groups  []*group
		byCoord = map[spatial.Coord]*group{}
		total   int
	)
	for ti := range tiles {
		tile := &tiles[ti]
		for ri := range tile.Records {
			r := &tile.Records[ri]
			c := r.Coord()
			g, ok := byCoord[c]
			if !ok {
				g = &group{}
				byCoord[c] = g
				groups = append(groups, g)
			} else if g.tiles[len(g.tiles)-1] == ti {
				return MergedTable{}, errors.E(errors.Invalid,
					fmt.Sprintf("tile %s: barcodes %s and %s share coordinate %v", tile.ID, g.members[len(g.members)-1].BarcodeID, r.BarcodeID, c))
			}
			g.members = append(g.members, r)
			g.tiles = append(g.tiles, ti)
		}
		total += len(tile.Records)
	}

	m := MergedTable{
		Policy:  policy,
		Records: make([]spatial.BarcodeRecord, 0, len(groups)),
		Tiles:   make([]TileStats, len(tiles)),
	}
	for ti := range tiles {
		m.Tiles[ti] = TileStats{TileID: tiles[ti].ID, Records: len(tiles[ti].Records)}
	}
	ids := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		rec := combine(g.members, policy)
		lead := g.tiles[0]
		if _, taken := ids[rec.BarcodeID]; taken {
			rec.BarcodeID = uniqueID(ids, rec.BarcodeID, tiles[lead].ID)
			m.Tiles[lead].Renamed++
		}
		ids[rec.BarcodeID] = struct{}{}
		m.Tiles[lead].Leading++
		if len(g.tiles) > 1 {
			m.OverlapCount++
			for _, ti := range g.tiles {
				m.Tiles[ti].Overlapping++
			}
		} else {
			m.Tiles[lead].Unique++
		}
		m.Records = append(m.Records, rec)
	}
	m.MergedCount = len(m.Records)
	if m.MergedCount > 0 {
		m.OverlapPercent = float64(m.OverlapCount) / float64(m.MergedCount) * 100
	}
	m.BBox = spatial.ComputeBBox(m.Records)
	log.Printf("tilemerge: %d tiles, %d records, %d merged, %d overlapping coordinates (policy %s)",
		len(tiles), total, m.MergedCount, m.OverlapCount, policy)
	return m, nil
}

// uniqueID derives an unused barcode ID from id and the tile ID.
func uniqueID(ids map[string]struct{}, id, tileID string) string {
	candidate := id + "-" + tileID
	for n := 2; ; n++ {
		if _, taken := ids[candidate]; !taken {
			return candidate
		}
		candidate = id + "-" + tileID + "-" + strconv.Itoa(n)
	}
}

// combine merges the records at one coordinate. The first record supplies
// the barcode ID, coordinate and region.
func combine(members []*spatial.BarcodeRecord, policy Policy) spatial.BarcodeRecord {
	rec := *members[0]
	if len(members) == 1 {
		return rec
	}
	switch policy {
	case First:
	case Average:
		var reads, genes, mito float64
		for _, r := range members {
			reads += float64(r.ReadCount)
			genes += float64(r.GeneCount)
			mito += r.MitoFraction
		}
		n := float64(len(members))
		rec.ReadCount = int64(math.Round(reads / n))
		rec.GeneCount = int64(math.Round(genes / n))
		rec.MitoFraction = mito / n
	case Max:
		for _, r := range members[1:] {
			if r.ReadCount > rec.ReadCount {
				rec.ReadCount = r.ReadCount
			}
			if r.GeneCount > rec.GeneCount {
				rec.GeneCount = r.GeneCount
			}
			if r.MitoFraction > rec.MitoFraction {
				rec.MitoFraction = r.MitoFraction
			}
		}
	default:
		panic(policy)
	}
	return rec
}
