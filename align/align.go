// Package align runs an external aligner (STAR) as an opaque subprocess and
// parses its summary log. No alignment is performed in-process.
package align

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"v.io/x/lib/envvar"
	"v.io/x/lib/lookpath"
)

// Opts describes one aligner invocation.
type Opts struct {
	// Binary is the aligner executable, looked up in PATH.
	Binary string
	// GenomeDir is the aligner's genome index directory.
	GenomeDir string
	// R1 and R2 are the read files. R2 is empty for single-end data.
	R1, R2 string
	// OutPrefix is prepended to all output file names.
	OutPrefix string
	Threads   int
	// Timeout bounds the run. Zero means no limit.
	Timeout time.Duration
	// ExtraArgs are appended to the command line verbatim.
	ExtraArgs []string
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	Binary:  "STAR",
	Threads: 8,
	Timeout: 30 * time.Minute,
}

// Stats holds the read counts of Log.final.out.
type Stats struct {
	InputReads         int64   `json:"input_reads"`
	UniquelyMapped     int64   `json:"uniquely_mapped"`
	MultiMapped        int64   `json:"multi_mapped"`
	UniquelyMappedRate float64 `json:"uniquely_mapped_rate"`
	AverageReadLength  float64 `json:"average_read_length"`
	// Outputs are the paths of the aligner's main outputs.
	BAM string `json:"bam"`
	Log string `json:"log"`
}

// Command returns the aligner command line, binary first.
func Command(opts Opts) ([]string, error) {
	switch {
	case opts.Binary == "":
		return nil, errors.E(errors.Invalid, "align: no aligner binary")
	case opts.GenomeDir == "":
		return nil, errors.E(errors.Invalid, "align: no genome directory")
	case opts.R1 == "":
		return nil, errors.E(errors.Invalid, "align: no input reads")
	case opts.OutPrefix == "":
		return nil, errors.E(errors.Invalid, "align: no output prefix")
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = 1
	}
	args := []string{
		opts.Binary,
		"--runThreadN", strconv.Itoa(threads),
		"--genomeDir", opts.GenomeDir,
		"--readFilesIn", opts.R1,
	}
	if opts.R2 != "" {
		args = append(args, opts.R2)
	}
	if strings.HasSuffix(opts.R1, ".gz") {
		args = append(args, "--readFilesCommand", "zcat")
	}
	args = append(args,
		"--outFileNamePrefix", opts.OutPrefix,
		"--outSAMtype", "BAM", "SortedByCoordinate")
	return append(args, opts.ExtraArgs...), nil
}

// Run runs the aligner and parses its summary log. The aligner's output
// error is logged on failure.
func Run(ctx context.Context, opts Opts) (Stats, error) {
	args, err := Command(opts)
	if err != nil {
		return Stats{}, err
	}
	bin, err := lookpath.Look(envvar.SliceToMap(os.Environ()), args[0])
	if err != nil {
		return Stats{}, errors.E(errors.NotExist, err, "align: find", args[0])
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	log.Printf("align: running %s", strings.Join(args, " "))
	start := time.Now()
	if err := cmd.Run(); err != nil {
		log.Error.Printf("align: %s output:\n%s", args[0], tail(output.String(), 20))
		if ctx.Err() == context.DeadlineExceeded {
			return Stats{}, errors.E(errors.Timeout, fmt.Sprintf("align: %s timed out after %s", args[0], opts.Timeout))
		}
		return Stats{}, errors.E(err, "align: run", args[0])
	}
	log.Printf("align: %s finished in %s", args[0], time.Since(start))
	logPath := opts.OutPrefix + "Log.final.out"
	stats, err := ReadFinalLog(ctx, logPath)
	if err != nil {
		return Stats{}, err
	}
	stats.BAM = opts.OutPrefix + "Aligned.sortedByCoord.out.bam"
	stats.Log = logPath
	return stats, nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ReadFinalLog parses the Log.final.out file at path.
func ReadFinalLog(ctx context.Context, path string) (Stats, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return Stats{}, errors.E(err, "align: open log")
	}
	stats, err := ParseFinalLog(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return Stats{}, errors.E(err, "align: parse", path)
	}
	return stats, nil
}

// ParseFinalLog parses a STAR Log.final.out summary. Lines have the form
// "<label> |<tab><value>".
func ParseFinalLog(r io.Reader) (Stats, error) {
	var (
		stats Stats
		found int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "|", 2)
		if len(parts) != 2 {
			continue
		}
		label := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		var err error
		switch label {
		case "Number of input reads":
			stats.InputReads, err = strconv.ParseInt(value, 10, 64)
			found++
		case "Uniquely mapped reads number":
			stats.UniquelyMapped, err = strconv.ParseInt(value, 10, 64)
			found++
		case "Number of reads mapped to multiple loci":
			stats.MultiMapped, err = strconv.ParseInt(value, 10, 64)
		case "Uniquely mapped reads %":
			var pct float64
			pct, err = strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
			stats.UniquelyMappedRate = pct / 100
		case "Average input read length":
			stats.AverageReadLength, err = strconv.ParseFloat(value, 64)
		}
		if err != nil {
			return Stats{}, errors.E(errors.Invalid, err, fmt.Sprintf("line %q", sc.Text()))
		}
	}
	if err := sc.Err(); err != nil {
		return Stats{}, err
	}
	if found < 2 {
		return Stats{}, errors.E(errors.Invalid, "not a STAR Log.final.out: read counts missing")
	}
	return stats, nil
}
