// Package reference acquires genome reference assets by genome ID and keeps
// verified copies in a local cache directory.
//
// An asset is cached at <root>/<genome>/<file>. A cached asset is valid only
// if its completion marker <file>.checksum exists and records the size of
// the file; existence of the file alone is never sufficient. Downloads go to
// a uniquely named temporary file in the same directory and are renamed into
// place after their checksum is verified. A <file>.inprogress marker,
// created exclusively, keeps two processes from acquiring the same asset at
// once; within one process, callers for the same asset are serialized.
package reference

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"v.io/x/lib/vlog"
)

// State is the lifecycle state of an asset.
type State uint8

const (
	// Missing means there is no verified local copy.
	Missing State = iota
	// Downloading means an acquisition holds the in-progress marker.
	Downloading
	// Verified means the local copy matches its completion marker.
	Verified
	// Corrupt means a local copy exists but fails verification.
	Corrupt
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Downloading:
		return "downloading"
	case Verified:
		return "verified"
	case Corrupt:
		return "corrupt"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Asset describes one genome asset.
type Asset struct {
	GenomeID  string `json:"genome_id"`
	Kind      Kind   `json:"-"`
	URI       string `json:"uri"`
	Path      string `json:"local_path"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size_bytes"`
	State     State  `json:"state"`
	// Attempts is the number of fetches performed; zero for a cache hit.
	Attempts int `json:"attempts"`
}

// Opts controls a Cache.
type Opts struct {
	// Root is the cache directory. It is created on first download.
	Root string
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration
	// VerifyOnHit rehashes cached assets instead of trusting their
	// completion markers.
	VerifyOnHit bool
	// MaxSizeBytes, if positive, bounds the size of a fetched asset.
	MaxSizeBytes int64
	// Algorithm is the checksum used when the registry does not pin one.
	Algorithm Algorithm
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	FetchTimeout: 5 * time.Minute,
	MaxSizeBytes: 10 << 30,
	Algorithm:    HighwayHash256,
}

// Cache acquires and verifies genome assets. It is safe for concurrent use.
type Cache struct {
	opts     Opts
	registry Registry
	fetchers map[string]Fetcher

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewCache creates a cache. A nil registry selects DefaultRegistry. If no
// fetchers are given, http(s) and file fetchers are installed. NewCache
// does not touch the filesystem.
func NewCache(opts Opts, registry Registry, fetchers ...Fetcher) (*Cache, error) {
	if opts.Root == "" {
		return nil, errors.E(errors.Invalid, "reference cache root is not set")
	}
	if opts.Algorithm == "" {
		opts.Algorithm = DefaultOpts.Algorithm
	}
	if _, err := opts.Algorithm.newHash(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	if len(fetchers) == 0 {
		fetchers = []Fetcher{&HTTPFetcher{}, FileFetcher{}}
	}
	c := &Cache{
		opts:     opts,
		registry: registry,
		fetchers: map[string]Fetcher{},
		locks:    map[string]chan struct{}{},
	}
	for _, f := range fetchers {
		for _, s := range f.Schemes() {
			c.fetchers[s] = f
		}
	}
	return c, nil
}

// Registry returns the cache's genome registry.
func (c *Cache) Registry() Registry { return c.registry }

// Path returns the local path of an asset. It returns *UnknownGenomeError
// for unregistered genomes.
func (c *Cache) Path(genomeID string, kind Kind) (string, error) {
	g, err := c.registry.Lookup(genomeID)
	if err != nil {
		return "", err
	}
	src := g.source(kind)
	if src.URI == "" {
		return "", &UnknownGenomeError{ID: genomeID, Kind: kind}
	}
	return filepath.Join(c.opts.Root, genomeID, fileName(genomeID, kind, src.URI)), nil
}

// Acquire returns the verified sequence asset of a genome, downloading it if
// needed.
func (c *Cache) Acquire(ctx context.Context, genomeID string) (Asset, error) {
	return c.acquire(ctx, genomeID, Sequence)
}

// AcquireAnnotation returns the verified annotation asset of a genome,
// downloading it if needed.
func (c *Cache) AcquireAnnotation(ctx context.Context, genomeID string) (Asset, error) {
	return c.acquire(ctx, genomeID, Annotation)
}

// Lookup reports the state of the sequence asset of a genome without
// fetching anything.
func (c *Cache) Lookup(genomeID string) (Asset, error) {
	return c.lookup(genomeID, Sequence)
}

// LookupAnnotation is Lookup for the annotation asset.
func (c *Cache) LookupAnnotation(genomeID string) (Asset, error) {
	return c.lookup(genomeID, Annotation)
}

func (c *Cache) lookup(genomeID string, kind Kind) (Asset, error) {
	local, err := c.Path(genomeID, kind)
	if err != nil {
		return Asset{}, err
	}
	src := c.registry[genomeID].source(kind)
	asset := Asset{GenomeID: genomeID, Kind: kind, URI: src.URI, Path: local}
	if inProgress(local) {
		asset.State = Downloading
		return asset, nil
	}
	comp, err := readCompletion(local)
	if err != nil {
		if _, statErr := os.Stat(local); statErr == nil {
			asset.State = Corrupt
		}
		return asset, nil
	}
	asset.Checksum, asset.SizeBytes = comp.Checksum.String(), comp.Size
	if info, err := os.Stat(local); err != nil || info.Size() != comp.Size {
		asset.State = Corrupt
		return asset, nil
	}
	asset.State = Verified
	return asset, nil
}

// lock serializes acquisitions of one asset within the process.
func (c *Cache) lock(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	ch, ok := c.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[key] = ch
	}
	c.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) acquire(ctx context.Context, genomeID string, kind Kind) (Asset, error) {
	local, err := c.Path(genomeID, kind)
	if err != nil {
		return Asset{}, err
	}
	src := c.registry[genomeID].source(kind)
	fetcher, ok := c.fetchers[scheme(src.URI)]
	if !ok {
		return Asset{}, errors.E(errors.NotSupported, "no fetcher for", src.URI)
	}
	var pinned Checksum
	if src.Checksum != "" {
		if pinned, err = ParseChecksum(src.Checksum); err != nil {
			return Asset{}, err
		}
	}
	unlock, err := c.lock(ctx, local)
	if err != nil {
		return Asset{}, err
	}
	defer unlock()

	if asset, ok := c.hit(ctx, genomeID, kind, src, local, pinned); ok {
		return asset, nil
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return Asset{}, errors.E(err, "create cache directory")
	}
	release, err := claim(genomeID, local, 2*c.opts.FetchTimeout)
	if err != nil {
		return Asset{}, err
	}
	defer release()
	// Another process may have finished between the hit check and the claim.
	if asset, ok := c.hit(ctx, genomeID, kind, src, local, pinned); ok {
		return asset, nil
	}

	if err := discard(local); err != nil {
		return Asset{}, errors.E(err, "discard", local)
	}

	want := pinned
	if want.IsZero() && src.ChecksumURI != "" {
		for attempt := 1; attempt <= 2; attempt++ {
			want, err = c.fetchSidecar(ctx, genomeID, src.ChecksumURI, fetcher)
			e, ok := err.(*AcquisitionTimeoutError)
			if !ok {
				break
			}
			e.Retried = attempt == 2
			if !e.Retried {
				log.Printf("reference: %v; retrying", err)
			}
		}
		if err != nil {
			return Asset{}, err
		}
	}
	var asset Asset
	for attempt := 1; attempt <= 2; attempt++ {
		asset, err = c.fetch(ctx, genomeID, kind, src, local, want, fetcher)
		if err == nil {
			asset.Attempts = attempt
			log.Printf("reference: acquired %s %s (%d bytes, %s)", genomeID, kind, asset.SizeBytes, asset.Checksum)
			return asset, nil
		}
		last := attempt == 2
		switch e := err.(type) {
		case *IntegrityError:
			e.Retried = last
		case *AcquisitionTimeoutError:
			e.Retried = last
		default:
			return Asset{}, err
		}
		if !last {
			log.Printf("reference: %v; retrying", err)
		}
	}
	return Asset{}, err
}

// hit returns the cached asset if its completion marker is present and
// consistent with the file.
func (c *Cache) hit(ctx context.Context, genomeID string, kind Kind, src Source, local string, pinned Checksum) (Asset, bool) {
	comp, err := readCompletion(local)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("reference: %s: %v", local, err)
		}
		return Asset{}, false
	}
	info, err := os.Stat(local)
	if err != nil || info.Size() != comp.Size {
		log.Printf("reference: %s does not match its completion marker; refetching", local)
		return Asset{}, false
	}
	if !pinned.IsZero() && pinned != comp.Checksum {
		log.Printf("reference: %s has checksum %s, registry pins %s; refetching", local, comp.Checksum, pinned)
		return Asset{}, false
	}
	if c.opts.VerifyOnHit {
		got, _, err := ComputeChecksum(ctx, local, comp.Checksum.Algorithm)
		if err != nil || got != comp.Checksum {
			log.Printf("reference: %s fails verification (%v); refetching", local, err)
			return Asset{}, false
		}
	}
	log.Debug.Printf("reference: cache hit %s", local)
	return Asset{
		GenomeID:  genomeID,
		Kind:      kind,
		URI:       src.URI,
		Path:      local,
		Checksum:  comp.Checksum.String(),
		SizeBytes: comp.Size,
		State:     Verified,
	}, true
}

func (c *Cache) fetchSidecar(ctx context.Context, genomeID, uri string, fetcher Fetcher) (Checksum, error) {
	if f, ok := c.fetchers[scheme(uri)]; ok {
		fetcher = f
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var buf bytes.Buffer
	if _, err := fetcher.Fetch(ctx, uri, &buf); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Checksum{}, &AcquisitionTimeoutError{ID: genomeID, URI: uri, After: c.opts.FetchTimeout}
		}
		return Checksum{}, errors.E(err, "fetch checksum", uri)
	}
	return parseSidecar(buf.String())
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.FetchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.FetchTimeout)
}

// fetch downloads one attempt to a fresh temporary file and promotes it on
// success. The temporary file never survives a failed attempt.
func (c *Cache) fetch(ctx context.Context, genomeID string, kind Kind, src Source, local string, want Checksum, fetcher Fetcher) (asset Asset, err error) {
	tmp := local + ".tmp-" + uuid.New().String()
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return Asset{}, errors.E(err, "create", tmp)
	}
	promoted := false
	defer func() {
		if promoted {
			return
		}
		if rerr := os.Remove(tmp); rerr != nil && !os.IsNotExist(rerr) {
			log.Error.Printf("reference: remove %s: %v", tmp, rerr)
		}
	}()

	algo := c.opts.Algorithm
	if !want.IsZero() {
		algo = want.Algorithm
	}
	h, err := algo.newHash()
	if err != nil {
		out.Close() // nolint: errcheck
		return Asset{}, err
	}
	w := &hashWriter{w: out, h: h, limit: c.opts.MaxSizeBytes}
	fctx, cancel := c.withTimeout(ctx)
	start := time.Now()
	_, err = fetcher.Fetch(fctx, src.URI, w)
	timedOut := fctx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	vlog.VI(1).Infof("reference: fetched %s: %d bytes in %s, err %v", src.URI, w.n, time.Since(start), err)
	switch {
	case w.tooLong:
		return Asset{}, &IntegrityError{ID: genomeID, URI: src.URI, Size: w.n, Reason: "asset exceeds the size limit"}
	case timedOut:
		return Asset{}, &AcquisitionTimeoutError{ID: genomeID, URI: src.URI, After: c.opts.FetchTimeout}
	case err != nil:
		return Asset{}, errors.E(err, "fetch", src.URI)
	case w.n == 0:
		return Asset{}, &IntegrityError{ID: genomeID, URI: src.URI, Reason: "empty download"}
	case src.Size > 0 && w.n != src.Size:
		return Asset{}, &IntegrityError{ID: genomeID, URI: src.URI, Size: w.n, Reason: "size mismatch",
			Want: strconv.FormatInt(src.Size, 10), Got: strconv.FormatInt(w.n, 10)}
	}
	got := w.checksum(algo)
	if !want.IsZero() && got != want {
		return Asset{}, &IntegrityError{ID: genomeID, URI: src.URI, Size: w.n, Reason: "checksum mismatch", Want: want.String(), Got: got.String()}
	}
	if err := removeCompletion(local); err != nil {
		return Asset{}, err
	}
	if err := os.Rename(tmp, local); err != nil {
		return Asset{}, errors.E(err, "promote", tmp)
	}
	promoted = true
	if err := writeCompletion(local, completion{Checksum: got, Size: w.n}); err != nil {
		return Asset{}, errors.E(err, "write completion marker", local)
	}
	return Asset{
		GenomeID:  genomeID,
		Kind:      kind,
		URI:       src.URI,
		Path:      local,
		Checksum:  got.String(),
		SizeBytes: w.n,
		State:     Verified,
	}, nil
}
