package reference

import (
	"fmt"
	"time"
)

// UnknownGenomeError is returned for a genome ID that is not in the
// registry, or for an asset kind the genome does not provide. It is raised
// before any filesystem or network access.
type UnknownGenomeError struct {
	ID   string
	Kind Kind
}

func (e *UnknownGenomeError) Error() string {
	if e.Kind == Annotation {
		return fmt.Sprintf("genome %q has no annotation asset", e.ID)
	}
	return fmt.Sprintf("unknown genome %q", e.ID)
}

// IntegrityError is returned when a fetched asset is empty, exceeds the size
// limit, or does not match its expected checksum or size. The temporary
// download is deleted before the error is returned.
type IntegrityError struct {
	ID     string
	URI    string
	Want   string
	Got    string
	Size   int64
	Reason string
	// Retried is set once the automatic retry has been spent.
	Retried bool
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("genome %s: %s: %s", e.ID, e.URI, e.Reason)
	if e.Want != "" {
		msg += fmt.Sprintf(" (want %s, got %s)", e.Want, e.Got)
	}
	return msg
}

// Temporary reports whether the acquisition may still be retried.
func (e *IntegrityError) Temporary() bool { return !e.Retried }

// AcquisitionInProgressError is returned when another process holds the
// in-progress marker for an asset.
type AcquisitionInProgressError struct {
	ID     string
	Marker string
	Since  time.Time
}

func (e *AcquisitionInProgressError) Error() string {
	return fmt.Sprintf("genome %s: acquisition in progress since %s (marker %s)", e.ID, e.Since.Format(time.RFC3339), e.Marker)
}

// Temporary always returns true; the caller may retry once the other
// acquisition completes.
func (e *AcquisitionInProgressError) Temporary() bool { return true }

// AcquisitionTimeoutError is returned when a fetch exceeds Opts.FetchTimeout.
type AcquisitionTimeoutError struct {
	ID  string
	URI string
	// After is the fetch timeout that was exceeded.
	After   time.Duration
	Retried bool
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("genome %s: fetch of %s timed out after %s", e.ID, e.URI, e.After)
}

// Timeout always returns true.
func (e *AcquisitionTimeoutError) Timeout() bool { return true }

// Temporary reports whether the acquisition may still be retried.
func (e *AcquisitionTimeoutError) Temporary() bool { return !e.Retried }
