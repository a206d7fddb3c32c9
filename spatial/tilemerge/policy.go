package tilemerge

import (
	"fmt"
	"strings"
)

// Policy decides how records of different tiles at the same coordinate are
// combined.
type Policy uint8

const (
	// First keeps the record of the earliest tile verbatim.
	First Policy = iota + 1
	// Average takes the arithmetic mean of each numeric field. Counts are
	// rounded half away from zero.
	Average
	// Max takes the maximum of each numeric field.
	Max
)

// DefaultPolicy is the policy used when none is configured.
const DefaultPolicy = Average

var policyNames = map[Policy]string{First: "first", Average: "average", Max: "max"}

// ParsePolicy parses a policy name. It returns *InvalidPolicyError for an
// unknown name.
func ParsePolicy(s string) (Policy, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return 0, &InvalidPolicyError{Policy: s}
}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	_, ok := policyNames[p]
	return ok
}

func (p Policy) String() string {
	if n, ok := policyNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, &InvalidPolicyError{Policy: p.String()}
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	v, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
