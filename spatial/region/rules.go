package region

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/spatialqc/spatial"
)

// Rule assigns records to a named region.
type Rule interface {
	// Name is the region name.
	Name() string
	// Match reports whether r belongs to the region.
	Match(r *spatial.BarcodeRecord) bool
}

// Rect matches records inside a closed axis-aligned rectangle.
type Rect struct {
	Region                 string
	MinX, MinY, MaxX, MaxY float64
}

// Name implements Rule.
func (r Rect) Name() string { return r.Region }

// Match implements Rule.
func (r Rect) Match(b *spatial.BarcodeRecord) bool {
	return b.X >= r.MinX && b.X <= r.MaxX && b.Y >= r.MinY && b.Y <= r.MaxY
}

// Circle matches records within Radius of (X, Y), boundary included.
type Circle struct {
	Region       string
	X, Y, Radius float64
}

// Name implements Rule.
func (c Circle) Name() string { return c.Region }

// Match implements Rule.
func (c Circle) Match(b *spatial.BarcodeRecord) bool {
	dx, dy := b.X-c.X, b.Y-c.Y
	return dx*dx+dy*dy <= c.Radius*c.Radius
}

// Polygon matches records inside a simple polygon, by the even-odd rule.
type Polygon struct {
	Region string
	// Vertices are (x, y) pairs; the polygon is closed implicitly.
	Vertices [][2]float64
}

// Name implements Rule.
func (p Polygon) Name() string { return p.Region }

// Match implements Rule.
func (p Polygon) Match(b *spatial.BarcodeRecord) bool {
	in := false
	n := len(p.Vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := p.Vertices[i][0], p.Vertices[i][1]
		xj, yj := p.Vertices[j][0], p.Vertices[j][1]
		if (yi > b.Y) != (yj > b.Y) && b.X < (xj-xi)*(b.Y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

// Explicit matches the listed barcode IDs.
type Explicit struct {
	Region   string
	Barcodes map[string]struct{}
}

// NewExplicit creates an Explicit rule.
func NewExplicit(region string, barcodes ...string) Explicit {
	e := Explicit{Region: region, Barcodes: make(map[string]struct{}, len(barcodes))}
	for _, b := range barcodes {
		e.Barcodes[b] = struct{}{}
	}
	return e
}

// Name implements Rule.
func (e Explicit) Name() string { return e.Region }

// Match implements Rule.
func (e Explicit) Match(b *spatial.BarcodeRecord) bool {
	_, ok := e.Barcodes[b.BarcodeID]
	return ok
}

// ruleJSON is the serialized form of a rule.
type ruleJSON struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	MinX     float64      `json:"min_x"`
	MinY     float64      `json:"min_y"`
	MaxX     float64      `json:"max_x"`
	MaxY     float64      `json:"max_y"`
	X        float64      `json:"x"`
	Y        float64      `json:"y"`
	Radius   float64      `json:"radius"`
	Vertices [][2]float64 `json:"vertices"`
	Barcodes []string     `json:"barcodes"`
}

// ParseRules parses a JSON array of rules. Each rule has a "name", a
// "type" of "rect", "circle", "polygon" or "barcodes", and the fields of
// that type:
//
//	[{"name": "cortex", "type": "rect", "min_x": 0, "min_y": 0, "max_x": 10, "max_y": 5},
//	 {"name": "core", "type": "circle", "x": 5, "y": 5, "radius": 2},
//	 {"name": "edge", "type": "polygon", "vertices": [[0,0],[4,0],[2,3]]},
//	 {"name": "picked", "type": "barcodes", "barcodes": ["AAAC", "AAAG"]}]
func ParseRules(data []byte) ([]Rule, error) {
	var raw []ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.E(errors.Invalid, err, "parse region rules")
	}
	rules := make([]Rule, 0, len(raw))
	for i, r := range raw {
		var rule Rule
		switch strings.ToLower(r.Type) {
		case "rect":
			if r.MinX > r.MaxX || r.MinY > r.MaxY {
				return nil, ruleError(i, r.Name, "min exceeds max")
			}
			rule = Rect{Region: r.Name, MinX: r.MinX, MinY: r.MinY, MaxX: r.MaxX, MaxY: r.MaxY}
		case "circle":
			if !(r.Radius >= 0) || math.IsInf(r.Radius, 0) {
				return nil, ruleError(i, r.Name, "radius must be a non-negative number")
			}
			rule = Circle{Region: r.Name, X: r.X, Y: r.Y, Radius: r.Radius}
		case "polygon":
			if len(r.Vertices) < 3 {
				return nil, ruleError(i, r.Name, "a polygon needs at least 3 vertices")
			}
			rule = Polygon{Region: r.Name, Vertices: r.Vertices}
		case "barcodes":
			rule = NewExplicit(r.Name, r.Barcodes...)
		default:
			return nil, ruleError(i, r.Name, fmt.Sprintf("unknown rule type %q", r.Type))
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func ruleError(i int, name, msg string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("region rule %d (%s): %s", i, name, msg))
}

// ReadRules reads rules from a JSON file.
func ReadRules(ctx context.Context, path string) ([]Rule, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.E(err, "read region rules", path)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, errors.E(err, path)
	}
	return rules, nil
}
