package pipeline

import (
	"errors"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/spatialqc/annotation"
	"github.com/grailbio/spatialqc/encoding/fastq"
	"github.com/grailbio/spatialqc/fastqc"
	"github.com/grailbio/spatialqc/reference"
	"github.com/grailbio/spatialqc/spatial/tilemerge"
	"github.com/grailbio/spatialqc/umi"
)

// Class is the category of a pipeline error.
type Class int

const (
	// Other is any error not in the categories below, typically I/O.
	Other Class = iota
	// Structural errors are attributable to malformed input and are never
	// retried.
	Structural
	// Integrity errors come from fetching or storing reference assets.
	Integrity
	// Configuration errors name something that does not exist, or an
	// unsupported option. They are raised before any work is done.
	Configuration
	// EmptyInput is an operation given nothing to work on.
	EmptyInput
)

func (c Class) String() string {
	switch c {
	case Structural:
		return "structural"
	case Integrity:
		return "integrity"
	case Configuration:
		return "configuration"
	case EmptyInput:
		return "empty_input"
	}
	return "other"
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Classify returns the class of err. Wrapped errors are unwrapped with the
// standard errors.As.
func Classify(err error) Class {
	if err == nil {
		return Other
	}
	var (
		malformed    *fastq.MalformedInputError
		encoding     *fastq.EncodingError
		discordant   *fastq.DiscordantError
		lenMismatch  *fastqc.LengthMismatchError
		invalidBase  *fastqc.InvalidBaseError
		pairMismatch *fastqc.PairMismatchError
		structure    *umi.ReadStructureError
		umiLen       *umi.InvalidUmiLengthError
		integrity    *reference.IntegrityError
		inProgress   *reference.AcquisitionInProgressError
		timeout      *reference.AcquisitionTimeoutError
		genome       *reference.UnknownGenomeError
		gene         *annotation.UnknownGeneError
		policy       *tilemerge.InvalidPolicyError
		empty        *tilemerge.EmptyTileSetError
	)
	switch {
	case errors.As(err, &malformed), errors.As(err, &encoding), errors.As(err, &discordant),
		errors.As(err, &lenMismatch), errors.As(err, &invalidBase), errors.As(err, &pairMismatch),
		errors.As(err, &structure), errors.As(err, &umiLen):
		return Structural
	case errors.As(err, &integrity), errors.As(err, &inProgress), errors.As(err, &timeout):
		return Integrity
	case errors.As(err, &genome), errors.As(err, &gene), errors.As(err, &policy):
		return Configuration
	case errors.As(err, &empty):
		return EmptyInput
	case gerrors.Is(gerrors.Integrity, err):
		return Integrity
	case gerrors.Is(gerrors.Invalid, err):
		return Configuration
	}
	return Other
}

// Temporary reports whether err may succeed if the operation is retried.
func Temporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
