package tilemerge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/grailbio/spatialqc/spatial"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func rec(id string, x, y float64, reads, genes int64, mito float64) spatial.BarcodeRecord {
	return spatial.BarcodeRecord{BarcodeID: id, X: x, Y: y, ReadCount: reads, GeneCount: genes, MitoFraction: mito}
}

func twoTiles() []spatial.Tile {
	return []spatial.Tile{
		{ID: "t1", Records: []spatial.BarcodeRecord{
			rec("A", 0, 0, 100, 10, 0.1),
			rec("B", 1, 0, 50, 5, 0.2),
		}},
		{ID: "t2", Records: []spatial.BarcodeRecord{
			rec("C", 1, 0, 200, 21, 0.4),
			rec("D", 2, 0, 70, 7, 0.0),
		}},
	}
}

func TestMergeFirst(t *testing.T) {
	tiles := twoTiles()
	m, err := Merge(tiles, First)
	assert.NoError(t, err)
	expect.EQ(t, m.OverlapCount, 1)
	expect.EQ(t, m.MergedCount, 3)
	require.Len(t, m.Records, 3)
	expect.EQ(t, m.Records[1], tiles[0].Records[1])
	expect.EQ(t, m.Records[2].BarcodeID, "D")
	expect.EQ(t, m.Tiles, []TileStats{
		{TileID: "t1", Records: 2, Unique: 1, Overlapping: 1, Leading: 2},
		{TileID: "t2", Records: 2, Unique: 1, Overlapping: 1, Leading: 1},
	})
	overlap, merged := 1, 3
	expect.EQ(t, m.OverlapPercent, float64(overlap)/float64(merged)*100)
	expect.EQ(t, m.BBox, spatial.BBox{MinX: 0, MinY: 0, MaxX: 2, MaxY: 0})
}

func TestMergeAverage(t *testing.T) {
	m, err := Merge(twoTiles(), Average)
	assert.NoError(t, err)
	got := m.Records[1]
	expect.EQ(t, got.BarcodeID, "B")
	expect.EQ(t, got.ReadCount, int64(125))
	// 13 is the mean of 5 and 21.
	expect.EQ(t, got.GeneCount, int64(13))
	require.InDelta(t, 0.3, got.MitoFraction, 1e-12)

	tiles := []spatial.Tile{
		{ID: "a", Records: []spatial.BarcodeRecord{rec("X", 5, 5, 100, 3, 0)}},
		{ID: "b", Records: []spatial.BarcodeRecord{rec("X", 5, 5, 200, 4, 0)}},
	}
	m, err = Merge(tiles, Average)
	assert.NoError(t, err)
	require.Len(t, m.Records, 1)
	expect.EQ(t, m.Records[0].ReadCount, int64(150))
	// 3.5 rounds half away from zero.
	expect.EQ(t, m.Records[0].GeneCount, int64(4))
	expect.EQ(t, m.OverlapCount, 1)
	expect.EQ(t, m.OverlapPercent, 100.0)
}

func TestMergeMax(t *testing.T) {
	tiles := twoTiles()
	tiles[0].Records[1].GeneCount = 99
	m, err := Merge(tiles, Max)
	assert.NoError(t, err)
	got := m.Records[1]
	expect.EQ(t, got, spatial.BarcodeRecord{BarcodeID: "B", X: 1, Y: 0, ReadCount: 200, GeneCount: 99, MitoFraction: 0.4})
}

func TestMergeThreeWayOverlap(t *testing.T) {
	var tiles []spatial.Tile
	for i, reads := range []int64{10, 20, 60} {
		tiles = append(tiles, spatial.Tile{ID: string(rune('a' + i)), Records: []spatial.BarcodeRecord{rec("S", 3, 3, reads, 1, 0)}})
	}
	m, err := Merge(tiles, Average)
	assert.NoError(t, err)
	expect.EQ(t, m.OverlapCount, 1)
	expect.EQ(t, m.Records[0].ReadCount, int64(30))
	for _, ts := range m.Tiles {
		expect.EQ(t, ts.Overlapping, 1)
	}
}

func TestMergeBarcodeCollision(t *testing.T) {
	tiles := []spatial.Tile{
		{ID: "t1", Records: []spatial.BarcodeRecord{rec("A", 0, 0, 1, 1, 0), rec("A-t2", 9, 9, 1, 1, 0)}},
		{ID: "t2", Records: []spatial.BarcodeRecord{rec("A", 5, 5, 1, 1, 0)}},
		{ID: "t3", Records: []spatial.BarcodeRecord{rec("A", 0, 0, 1, 1, 0)}},
	}
	m, err := Merge(tiles, First)
	assert.NoError(t, err)
	require.Len(t, m.Records, 3)
	expect.EQ(t, m.Records[0].BarcodeID, "A")
	expect.EQ(t, m.Records[1].BarcodeID, "A-t2")
	expect.EQ(t, m.Records[2].BarcodeID, "A-t2-2")
	expect.EQ(t, m.Tiles[1].Renamed, 1)
	expect.EQ(t, m.OverlapCount, 1)

	seen := map[string]bool{}
	for _, r := range m.Records {
		expect.False(t, seen[r.BarcodeID], r.BarcodeID)
		seen[r.BarcodeID] = true
	}
}

func TestMergeDuplicateCoordinateInTile(t *testing.T) {
	tiles := []spatial.Tile{{ID: "t1", Records: []spatial.BarcodeRecord{rec("A", 1, 1, 1, 1, 0), rec("B", 1, 1, 1, 1, 0)}}}
	_, err := Merge(tiles, First)
	require.NotNil(t, err)
	assert.HasSubstr(t, err.Error(), "share coordinate")
}

func TestMergeErrors(t *testing.T) {
	_, err := Merge(nil, Average)
	var empty *EmptyTileSetError
	expect.True(t, errors.As(err, &empty))

	// An invalid policy is reported before the empty tile set.
	_, err = Merge(nil, Policy(42))
	var invalid *InvalidPolicyError
	expect.True(t, errors.As(err, &invalid))

	_, err = ParsePolicy("median")
	require.True(t, errors.As(err, &invalid))
	expect.EQ(t, invalid.Policy, "median")
}

func TestMergeEmptyTiles(t *testing.T) {
	m, err := Merge([]spatial.Tile{{ID: "a"}, {ID: "b"}}, Max)
	assert.NoError(t, err)
	expect.EQ(t, m.MergedCount, 0)
	expect.EQ(t, m.OverlapPercent, 0.0)
	expect.True(t, m.BBox.Empty)
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]Policy{"first": First, "AVERAGE": Average, " max ": Max} {
		p, err := ParsePolicy(s)
		assert.NoError(t, err)
		expect.EQ(t, p, want)
	}
	var v struct{ Policy Policy }
	assert.NoError(t, json.Unmarshal([]byte(`{"Policy": "max"}`), &v))
	expect.EQ(t, v.Policy, Max)
	data, err := json.Marshal(v)
	assert.NoError(t, err)
	expect.EQ(t, string(data), `{"Policy":"max"}`)
	expect.NotNil(t, json.Unmarshal([]byte(`{"Policy": "min"}`), &v))
}
