package tilemerge

import "fmt"

// EmptyTileSetError is returned by Merge when given no tiles.
type EmptyTileSetError struct{}

func (e *EmptyTileSetError) Error() string { return "merge: no tiles" }

// InvalidPolicyError is returned for an unknown collision policy.
type InvalidPolicyError struct {
	Policy string
}

func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("merge: invalid collision policy %q, want one of first, average, max", e.Policy)
}
