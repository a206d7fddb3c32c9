package reference

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"path"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Kind selects one of the assets of a genome build.
type Kind uint8

const (
	// Sequence is the genome sequence (FASTA).
	Sequence Kind = iota
	// Annotation is the gene annotation (GTF or TSV).
	Annotation
)

func (k Kind) String() string {
	if k == Annotation {
		return "annotation"
	}
	return "sequence"
}

// Source describes where an asset comes from and how it is verified. At
// most one of Checksum and ChecksumURI should be set. If neither is, the
// first complete, non-empty download is trusted and its checksum recorded.
type Source struct {
	URI string `json:"uri"`
	// Checksum pins the content, as "<algorithm>:<hex>".
	Checksum string `json:"checksum,omitempty"`
	// ChecksumURI names a sidecar holding the checksum, either as
	// "<algorithm>:<hex>" or in sha256sum format.
	ChecksumURI string `json:"checksum_uri,omitempty"`
	// Size, if positive, is the expected size in bytes.
	Size int64 `json:"size,omitempty"`
}

// Genome is a registry entry.
type Genome struct {
	ID         string `json:"id"`
	Species    string `json:"species,omitempty"`
	Sequence   Source `json:"sequence"`
	Annotation Source `json:"annotation"`
}

func (g Genome) source(kind Kind) Source {
	if kind == Annotation {
		return g.Annotation
	}
	return g.Sequence
}

// Registry maps genome IDs to their assets.
type Registry map[string]Genome

const (
	ucscURL    = "https://hgdownload.soe.ucsc.edu/goldenPath"
	gencodeURL = "https://ftp.ebi.ac.uk/pub/databases/gencode"
)

func ucscSequence(id string) Source {
	return Source{URI: ucscURL + "/" + id + "/bigZips/" + id + ".fa.gz"}
}

func ucscGenes(id string) Source {
	return Source{URI: ucscURL + "/" + id + "/bigZips/genes/" + id + ".ncbiRefSeq.gtf.gz"}
}

// DefaultRegistry returns the built-in genome builds.
func DefaultRegistry() Registry {
	r := Registry{}
	for _, g := range []Genome{
		{ID: "hg38", Species: "Homo sapiens", Sequence: ucscSequence("hg38"),
			Annotation: Source{URI: gencodeURL + "/Gencode_human/release_44/gencode.v44.annotation.gtf.gz"}},
		{ID: "hg19", Species: "Homo sapiens", Sequence: ucscSequence("hg19"),
			Annotation: Source{URI: gencodeURL + "/Gencode_human/release_44/GRCh37_mapping/gencode.v44lift37.annotation.gtf.gz"}},
		{ID: "mm10", Species: "Mus musculus", Sequence: ucscSequence("mm10"),
			Annotation: Source{URI: gencodeURL + "/Gencode_mouse/release_M25/gencode.vM25.annotation.gtf.gz"}},
		{ID: "mm39", Species: "Mus musculus", Sequence: ucscSequence("mm39"),
			Annotation: Source{URI: gencodeURL + "/Gencode_mouse/release_M33/gencode.vM33.annotation.gtf.gz"}},
		{ID: "rn6", Species: "Rattus norvegicus", Sequence: ucscSequence("rn6"), Annotation: ucscGenes("rn6")},
		{ID: "danRer11", Species: "Danio rerio", Sequence: ucscSequence("danRer11"), Annotation: ucscGenes("danRer11")},
	} {
		r[g.ID] = g
	}
	return r
}

// Lookup returns the entry for id, or *UnknownGenomeError.
func (r Registry) Lookup(id string) (Genome, error) {
	g, ok := r[id]
	if !ok {
		return Genome{}, &UnknownGenomeError{ID: id}
	}
	return g, nil
}

// IDs returns the registered genome IDs in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that every entry has a sequence URI and that pinned
// checksums parse.
func (r Registry) Validate() error {
	for id, g := range r {
		if g.ID != "" && g.ID != id {
			return errors.E(errors.Invalid, "registry key", id, "does not match genome id", g.ID)
		}
		if g.Sequence.URI == "" {
			return errors.E(errors.Invalid, "genome", id, "has no sequence uri")
		}
		for _, src := range []Source{g.Sequence, g.Annotation} {
			if src.Checksum == "" {
				continue
			}
			if _, err := ParseChecksum(src.Checksum); err != nil {
				return errors.E(err, "genome", id)
			}
		}
	}
	return nil
}

// ReadRegistry reads a JSON array of genomes from path.
func ReadRegistry(ctx context.Context, path string) (Registry, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.E(err, "read registry", path)
	}
	var genomes []Genome
	if err := json.Unmarshal(data, &genomes); err != nil {
		return nil, errors.E(errors.Invalid, err, "parse registry", path)
	}
	r := Registry{}
	for _, g := range genomes {
		r[g.ID] = g
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// fileName returns the local file name of an asset.
func fileName(id string, kind Kind, uri string) string {
	name := path.Base(uri)
	if name == "" || name == "." || name == "/" {
		if kind == Annotation {
			return id + ".gtf"
		}
		return id + ".fa"
	}
	return name
}
