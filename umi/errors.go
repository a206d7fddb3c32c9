package umi

import "fmt"

// ReadStructureError is returned for a malformed read structure, and for a
// read shorter than the fixed-length part of the structure.
type ReadStructureError struct {
	Structure string
	// ReadID and ReadLen are set when a read does not fit the structure.
	ReadID  string
	ReadLen int
	Reason  string
}

func (e *ReadStructureError) Error() string {
	if e.ReadID != "" {
		return fmt.Sprintf("read structure %s: read %s (length %d): %s", e.Structure, e.ReadID, e.ReadLen, e.Reason)
	}
	return fmt.Sprintf("read structure %q: %s", e.Structure, e.Reason)
}

// InvalidUmiLengthError is returned when the UMI length declared by a read
// structure differs from the expected UMI length.
type InvalidUmiLengthError struct {
	Structure         string
	Declared, Expects int
}

func (e *InvalidUmiLengthError) Error() string {
	return fmt.Sprintf("read structure %s declares a %d-base UMI, expected %d", e.Structure, e.Declared, e.Expects)
}
