package umi

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind is the role of a read segment.
type SegmentKind uint8

const (
	// Template bases are kept as the emitted read.
	Template SegmentKind = iota
	// UMI bases form the molecular identifier.
	UMI
	// Skip bases are discarded.
	Skip
)

var kindOps = map[SegmentKind]byte{Template: 'T', UMI: 'M', Skip: 'S'}

func (k SegmentKind) String() string {
	switch k {
	case Template:
		return "TEMPLATE"
	case UMI:
		return "UMI"
	case Skip:
		return "SKIP"
	}
	return fmt.Sprintf("SegmentKind(%d)", uint8(k))
}

// VariableLength marks the trailing segment that consumes the rest of the
// read.
const VariableLength = -1

// Segment is one element of a read structure.
type Segment struct {
	// Length is a positive base count, or VariableLength.
	Length int
	Kind   SegmentKind
}

// ReadStructure describes the layout of a read as an ordered list of
// segments. At most one segment is variable-length; it must be the last
// segment and a Template.
//
// The textual form follows the fgbio convention: each segment is a length
// (or "+" for variable) followed by an operator, "T" for template, "M" for
// UMI, "S" for skip. For example "8M12S+T" is an 8-base UMI, 12 skipped
// bases, and a template spanning the rest of the read.
type ReadStructure struct {
	Segments []Segment
	// fixedLen is the sum of fixed segment lengths.
	fixedLen int
	umiLen   int
	variable bool
}

// ParseReadStructure parses the textual read structure s. It returns a
// *ReadStructureError if s is not well formed.
func ParseReadStructure(s string) (ReadStructure, error) {
	var (
		rs  ReadStructure
		pos int
	)
	text := strings.ToUpper(strings.TrimSpace(s))
	if text == "" {
		return rs, &ReadStructureError{Structure: s, Reason: "empty read structure"}
	}
	for pos < len(text) {
		start := pos
		length := VariableLength
		if text[pos] == '+' {
			pos++
		} else {
			for pos < len(text) && text[pos] >= '0' && text[pos] <= '9' {
				pos++
			}
			if pos == start {
				return ReadStructure{}, &ReadStructureError{Structure: s, Reason: fmt.Sprintf("expected a length at offset %d", start)}
			}
			n, err := strconv.Atoi(text[start:pos])
			if err != nil || n <= 0 {
				return ReadStructure{}, &ReadStructureError{Structure: s, Reason: fmt.Sprintf("segment length %q must be positive", text[start:pos])}
			}
			length = n
		}
		if pos == len(text) {
			return ReadStructure{}, &ReadStructureError{Structure: s, Reason: "segment without an operator"}
		}
		var kind SegmentKind
		switch text[pos] {
		case 'T':
			kind = Template
		case 'M':
			kind = UMI
		case 'S':
			kind = Skip
		default:
			return ReadStructure{}, &ReadStructureError{Structure: s, Reason: fmt.Sprintf("unknown segment operator %q", text[pos])}
		}
		pos++
		rs.Segments = append(rs.Segments, Segment{Length: length, Kind: kind})
	}
	if err := rs.init(); err != nil {
		err.Structure = s
		return ReadStructure{}, err
	}
	return rs, nil
}

// NewReadStructure builds a ReadStructure from segments, enforcing the same
// invariants as ParseReadStructure.
func NewReadStructure(segments ...Segment) (ReadStructure, error) {
	rs := ReadStructure{Segments: append([]Segment(nil), segments...)}
	if err := rs.init(); err != nil {
		err.Structure = rs.String()
		return ReadStructure{}, err
	}
	return rs, nil
}

func (rs *ReadStructure) init() *ReadStructureError {
	if len(rs.Segments) == 0 {
		return &ReadStructureError{Reason: "no segments"}
	}
	rs.fixedLen, rs.umiLen, rs.variable = 0, 0, false
	for i, seg := range rs.Segments {
		if seg.Length == VariableLength {
			if i != len(rs.Segments)-1 {
				return &ReadStructureError{Reason: "only the last segment may be variable-length"}
			}
			if seg.Kind != Template {
				return &ReadStructureError{Reason: "the variable-length segment must be a template"}
			}
			rs.variable = true
			continue
		}
		if seg.Length <= 0 {
			return &ReadStructureError{Reason: fmt.Sprintf("segment %d has non-positive length %d", i, seg.Length)}
		}
		rs.fixedLen += seg.Length
		if seg.Kind == UMI {
			rs.umiLen += seg.Length
		}
	}
	return nil
}

// FixedLength returns the total length of the fixed-length segments. A read
// must be at least this long.
func (rs ReadStructure) FixedLength() int { return rs.fixedLen }

// UMILength returns the total length of the UMI segments.
func (rs ReadStructure) UMILength() int { return rs.umiLen }

// HasVariable reports whether the structure ends in a variable-length
// template.
func (rs ReadStructure) HasVariable() bool { return rs.variable }

// String returns the textual form of the structure.
func (rs ReadStructure) String() string {
	var b strings.Builder
	for _, seg := range rs.Segments {
		if seg.Length == VariableLength {
			b.WriteByte('+')
		} else {
			b.WriteString(strconv.Itoa(seg.Length))
		}
		b.WriteByte(kindOps[seg.Kind])
	}
	return b.String()
}
