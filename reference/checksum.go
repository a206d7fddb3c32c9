package reference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/minio/highwayhash"
)

// Algorithm names a content checksum.
type Algorithm string

const (
	// HighwayHash256 is the default checksum of downloaded assets.
	HighwayHash256 Algorithm = "highwayhash256"
	// SeaHash is a 64-bit checksum.
	SeaHash Algorithm = "seahash"
	// SHA256 matches digests published alongside public genome builds.
	SHA256 Algorithm = "sha256"
)

// highwayKey is the fixed HighwayHash key. Checksums must be comparable
// across runs, so the key is not secret.
var highwayKey [32]byte

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case HighwayHash256:
		return highwayhash.New(highwayKey[:])
	case SeaHash:
		return seahash.New(), nil
	case SHA256:
		return sha256.New(), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown checksum algorithm %q", string(a)))
}

// Checksum is a content digest tagged with its algorithm.
type Checksum struct {
	Algorithm Algorithm
	Hex       string
}

// IsZero reports whether c is unset.
func (c Checksum) IsZero() bool { return c.Hex == "" }

// String returns "<algorithm>:<hex>".
func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Algorithm) + ":" + c.Hex
}

// ParseChecksum parses "<algorithm>:<hex>".
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return Checksum{}, errors.E(errors.Invalid, fmt.Sprintf("checksum %q: want <algorithm>:<hex>", s))
	}
	c := Checksum{Algorithm: Algorithm(strings.ToLower(s[:i])), Hex: strings.ToLower(s[i+1:])}
	h, err := c.Algorithm.newHash()
	if err != nil {
		return Checksum{}, err
	}
	if b, err := hex.DecodeString(c.Hex); err != nil || len(b) != h.Size() {
		return Checksum{}, errors.E(errors.Invalid, fmt.Sprintf("checksum %q: want %d hex bytes", s, h.Size()))
	}
	return c, nil
}

// parseSidecar parses the content of a checksum sidecar file. It accepts
// "<algorithm>:<hex>" or the sha256sum format "<hex>  <name>".
func parseSidecar(data string) (Checksum, error) {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return Checksum{}, errors.E(errors.Invalid, "empty checksum sidecar")
	}
	if strings.Contains(fields[0], ":") {
		return ParseChecksum(fields[0])
	}
	return ParseChecksum(string(SHA256) + ":" + fields[0])
}

// hashWriter tees writes into a digest and enforces a size limit.
type hashWriter struct {
	w       io.Writer
	h       hash.Hash
	n       int64
	limit   int64
	tooLong bool
}

func (w *hashWriter) Write(p []byte) (int, error) {
	if w.limit > 0 && w.n+int64(len(p)) > w.limit {
		w.tooLong = true
		return 0, errors.E(errors.Integrity, fmt.Sprintf("asset exceeds %d bytes", w.limit))
	}
	n, err := w.w.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

func (w *hashWriter) checksum(algo Algorithm) Checksum {
	return Checksum{Algorithm: algo, Hex: hex.EncodeToString(w.h.Sum(nil))}
}

// ComputeChecksum hashes the file at path.
func ComputeChecksum(ctx context.Context, path string, algo Algorithm) (Checksum, int64, error) {
	h, err := algo.newHash()
	if err != nil {
		return Checksum{}, 0, err
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return Checksum{}, 0, err
	}
	n, err := io.Copy(h, f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return Checksum{}, 0, errors.E(err, "checksum", path)
	}
	return Checksum{Algorithm: algo, Hex: hex.EncodeToString(h.Sum(nil))}, n, nil
}
