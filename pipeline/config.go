package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/spatialqc/align"
	"github.com/grailbio/spatialqc/fastqc"
	"github.com/grailbio/spatialqc/reference"
	"github.com/grailbio/spatialqc/spatial/qcfilter"
	"github.com/grailbio/spatialqc/spatial/tilemerge"
	"github.com/grailbio/spatialqc/umi"
)

// Duration is a time.Duration that reads and writes as a string such as
// "5m" in JSON.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UMIConfig configures UMI extraction.
type UMIConfig struct {
	umi.Opts
	// ReadStructure applies to R1, or to single-end reads.
	ReadStructure string `json:"read_structure"`
	// MateReadStructure applies to R2. If empty, R2 reads are extracted
	// with ReadStructure.
	MateReadStructure string `json:"mate_read_structure,omitempty"`
}

// ReferenceConfig configures the reference cache.
type ReferenceConfig struct {
	Root string `json:"root"`
	// Registry is the path of a JSON genome registry. If empty, the
	// built-in registry is used.
	Registry     string              `json:"registry,omitempty"`
	FetchTimeout Duration            `json:"fetch_timeout"`
	VerifyOnHit  bool                `json:"verify_on_hit"`
	MaxSizeBytes int64               `json:"max_size_bytes"`
	Algorithm    reference.Algorithm `json:"algorithm"`
}

// RegionConfig configures region splitting.
type RegionConfig struct {
	// Rules is the path of a JSON region rule set.
	Rules        string `json:"rules,omitempty"`
	KeepExisting bool   `json:"keep_existing"`
}

// AlignerConfig configures the external aligner.
type AlignerConfig struct {
	Binary    string   `json:"binary"`
	GenomeDir string   `json:"genome_dir,omitempty"`
	Threads   int      `json:"threads"`
	Timeout   Duration `json:"timeout"`
	ExtraArgs []string `json:"extra_args,omitempty"`
}

// Config holds the options of every pipeline operation.
type Config struct {
	FastQC      fastqc.Opts         `json:"fastqc"`
	UMI         UMIConfig           `json:"umi"`
	Reference   ReferenceConfig     `json:"reference"`
	Filter      qcfilter.Thresholds `json:"filter"`
	Regions     RegionConfig        `json:"regions"`
	MergePolicy tilemerge.Policy    `json:"merge_policy"`
	Aligner     AlignerConfig       `json:"aligner"`
	// Genomes lists the genome IDs this configuration expects to use. Each
	// must be in the registry.
	Genomes []string `json:"genomes,omitempty"`

	// registry is loaded from Reference.Registry by LoadConfig.
	registry reference.Registry
}

// DefaultConfig returns a Config holding the default options of every
// component.
func DefaultConfig() Config {
	return Config{
		FastQC: fastqc.DefaultOpts,
		UMI:    UMIConfig{Opts: umi.DefaultOpts},
		Reference: ReferenceConfig{
			FetchTimeout: Duration(reference.DefaultOpts.FetchTimeout),
			MaxSizeBytes: reference.DefaultOpts.MaxSizeBytes,
			Algorithm:    reference.DefaultOpts.Algorithm,
		},
		Filter:      qcfilter.DefaultThresholds,
		MergePolicy: tilemerge.DefaultPolicy,
		Aligner: AlignerConfig{
			Binary:  align.DefaultOpts.Binary,
			Threads: align.DefaultOpts.Threads,
			Timeout: Duration(align.DefaultOpts.Timeout),
		},
	}
}

// ParseConfig parses a JSON configuration. Fields absent from data keep
// their default values.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		if _, ok := err.(*tilemerge.InvalidPolicyError); ok {
			return Config{}, err
		}
		return Config{}, errors.E(errors.Invalid, err, "parse config")
	}
	return cfg, nil
}

// LoadConfig reads the JSON configuration at path, and the genome registry
// it names, if any.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return Config{}, errors.E(err, "open config")
	}
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return Config{}, errors.E(err, "read config", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, err
	}
	if cfg.Reference.Registry != "" {
		if cfg.registry, err = reference.ReadRegistry(ctx, cfg.Reference.Registry); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// WithRegistry returns a copy of cfg that uses registry instead of the one
// named by Reference.Registry.
func (cfg Config) WithRegistry(registry reference.Registry) Config {
	cfg.registry = registry
	return cfg
}

// Registry returns the genome registry of cfg.
func (cfg Config) Registry() reference.Registry {
	if cfg.registry == nil {
		return reference.DefaultRegistry()
	}
	return cfg.registry
}

func (cfg Config) referenceOpts() reference.Opts {
	return reference.Opts{
		Root:         cfg.Reference.Root,
		FetchTimeout: time.Duration(cfg.Reference.FetchTimeout),
		VerifyOnHit:  cfg.Reference.VerifyOnHit,
		MaxSizeBytes: cfg.Reference.MaxSizeBytes,
		Algorithm:    cfg.Reference.Algorithm,
	}
}

func (cfg Config) alignOpts() align.Opts {
	return align.Opts{
		Binary:    cfg.Aligner.Binary,
		GenomeDir: cfg.Aligner.GenomeDir,
		Threads:   cfg.Aligner.Threads,
		Timeout:   time.Duration(cfg.Aligner.Timeout),
		ExtraArgs: cfg.Aligner.ExtraArgs,
	}
}

// validate checks the parts of cfg that can be checked without I/O.
func (cfg Config) validate(registry reference.Registry) error {
	if !cfg.MergePolicy.Valid() {
		return &tilemerge.InvalidPolicyError{Policy: cfg.MergePolicy.String()}
	}
	for _, id := range cfg.Genomes {
		if _, err := registry.Lookup(id); err != nil {
			return err
		}
	}
	if err := cfg.Filter.Validate(); err != nil {
		return err
	}
	if cfg.Reference.FetchTimeout < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("negative fetch timeout %v", time.Duration(cfg.Reference.FetchTimeout)))
	}
	return nil
}
