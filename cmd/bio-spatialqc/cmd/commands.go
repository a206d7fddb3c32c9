package cmd

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/spatialqc/pipeline"
	"github.com/grailbio/spatialqc/spatial/qcfilter"
	"v.io/x/lib/cmdline"
)

func newCmdValidate() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "validate",
		Short:    "Check the structure and base quality of FASTQ files",
		ArgsName: "r1 [r2]",
		Long: `
Validate counts the records of one FASTQ file, or of an R1/R2 pair, checks
that each record's sequence and quality lengths match and that bases are in
ACGTN, and reports mean quality, GC and Q30 fractions. For a pair, read names
and record counts must agree.`,
	}
	common := addCommonFlags(cmd)
	checkLengths := cmd.Flags.Bool("check-paired-lengths", false, "Require R1 and R2 of each pair to have the same length.")
	minQuality := cmd.Flags.Float64("min-mean-quality", 0, "Mean Phred quality threshold. Overrides the configuration.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 1 || len(argv) > 2 {
			return env.UsageErrorf("validate takes one or two FASTQ paths, but got %v", argv)
		}
		req := &pipeline.ValidateRequest{R1: argv[0]}
		if len(argv) == 2 {
			req.R2 = argv[1]
		}
		set := setFlags(&cmd.Flags)
		mod := func(ctx context.Context, cfg *pipeline.Config) error {
			if set["check-paired-lengths"] {
				cfg.FastQC.CheckPairedLengths = *checkLengths
			}
			if set["min-mean-quality"] {
				cfg.FastQC.MinMeanQuality = *minQuality
			}
			return nil
		}
		return common.run(env, mod, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.Validate(ctx, req)
		})
	})
	return cmd
}

func newCmdExtractUMI() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "extract-umi",
		Short:    "Move UMI bases of FASTQ reads into their names",
		ArgsName: "r1 out1 [r2 out2]",
		Long: `
Extract-umi applies a read structure such as "8M+T" (an 8-base UMI followed
by the template) to each read, writes the template bases to the output and
appends the UMI to the read name. Outputs ending in .gz are compressed.`,
	}
	common := addCommonFlags(cmd)
	readStructure := cmd.Flags.String("read-structure", "", "Read structure of R1. Overrides the configuration.")
	mateStructure := cmd.Flags.String("mate-read-structure", "", "Read structure of R2, if different from R1's.")
	umiLength := cmd.Flags.Int("expected-umi-length", 0, "If positive, the UMI length the read structures must declare.")
	knownUMIs := cmd.Flags.String("known-umis", "", "File of known UMIs, one per line. Extracted UMIs are snapped to the closest.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 && len(argv) != 4 {
			return env.UsageErrorf("extract-umi takes r1 out1 [r2 out2], but got %v", argv)
		}
		req := &pipeline.ExtractUMIRequest{R1: argv[0], Out1: argv[1]}
		if len(argv) == 4 {
			req.R2, req.Out2 = argv[2], argv[3]
		}
		set := setFlags(&cmd.Flags)
		mod := func(ctx context.Context, cfg *pipeline.Config) error {
			if set["read-structure"] {
				cfg.UMI.ReadStructure = *readStructure
			}
			if set["mate-read-structure"] {
				cfg.UMI.MateReadStructure = *mateStructure
			}
			if set["expected-umi-length"] {
				cfg.UMI.ExpectedUMILength = *umiLength
			}
			if *knownUMIs != "" {
				umis, err := readLines(ctx, *knownUMIs)
				if err != nil {
					return err
				}
				cfg.UMI.KnownUMIs = umis
			}
			return nil
		}
		return common.run(env, mod, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.ExtractUMI(ctx, req)
		})
	})
	return cmd
}

// readLines reads the non-empty lines of the named file.
func readLines(ctx context.Context, name string) ([]string, error) {
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(f.Reader(ctx))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	err = sc.Err()
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	return lines, err
}

func newCmdAcquire() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "acquire",
		Short:    "Download and verify the reference assets of a genome",
		ArgsName: "genome_id",
	}
	common := addCommonFlags(cmd)
	withAnnotation := cmd.Flags.Bool("annotation", false, "Also acquire the genome's annotation.")
	index := cmd.Flags.Bool("index", false, "Write a .fai index next to an uncompressed sequence and list its contigs.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return env.UsageErrorf("acquire takes one genome ID, but got %v", argv)
		}
		req := &pipeline.AcquireRequest{GenomeID: argv[0], Annotation: *withAnnotation, Index: *index}
		return common.run(env, nil, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.AcquireReference(ctx, req)
		})
	})
	return cmd
}

func newCmdLookupGene() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "lookup-gene",
		Short:    "Print the annotation of a gene",
		ArgsName: "genome_id symbol",
	}
	common := addCommonFlags(cmd)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return env.UsageErrorf("lookup-gene takes a genome ID and a gene symbol, but got %v", argv)
		}
		req := &pipeline.LookupGeneRequest{GenomeID: argv[0], Symbol: argv[1]}
		return common.run(env, nil, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.LookupGene(ctx, req)
		})
	})
	return cmd
}

func newCmdLookupRange() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "lookup-range",
		Short:    "Print the genes overlapping a range",
		ArgsName: "genome_id chr:start-end",
		Long: `
The range is 1-based and closed, as in samtools. For example chr1:100-200.`,
	}
	common := addCommonFlags(cmd)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return env.UsageErrorf("lookup-range takes a genome ID and a range, but got %v", argv)
		}
		chrom, start, end, err := parseRange(argv[1])
		if err != nil {
			return env.UsageErrorf("%v", err)
		}
		req := &pipeline.LookupRangeRequest{GenomeID: argv[0], Chrom: chrom, Start: start, End: end}
		return common.run(env, nil, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.LookupRange(ctx, req)
		})
	})
	return cmd
}

// parseRange parses "chr:start-end". A bare "chr:pos" is the one-base range
// [pos, pos].
func parseRange(s string) (chrom string, start, end int, err error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("range %q: want chr:start-end", s)
	}
	chrom, span := s[:i], strings.Replace(s[i+1:], ",", "", -1)
	from, to := span, span
	if j := strings.IndexByte(span, '-'); j >= 0 {
		from, to = span[:j], span[j+1:]
	}
	if start, err = strconv.Atoi(from); err != nil {
		return "", 0, 0, fmt.Errorf("range %q: bad start: %v", s, err)
	}
	if end, err = strconv.Atoi(to); err != nil {
		return "", 0, 0, fmt.Errorf("range %q: bad end: %v", s, err)
	}
	return chrom, start, end, nil
}

func newCmdFilter() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "filter",
		Short:    "Drop spatial barcodes that fail QC thresholds",
		ArgsName: "table...",
		Long: `
Filter keeps the barcodes of each table with at least -min-reads reads, at
least -min-genes genes and a mitochondrial fraction of at most -max-mito.
Tables are processed concurrently. With -out-dir, each filtered table is
written there under its input file name.`,
	}
	common := addCommonFlags(cmd)
	minReads := cmd.Flags.Int64("min-reads", qcfilter.DefaultThresholds.MinReads, "Minimum read count.")
	minGenes := cmd.Flags.Int64("min-genes", qcfilter.DefaultThresholds.MinGenes, "Minimum gene count.")
	maxMito := cmd.Flags.Float64("max-mito", qcfilter.DefaultThresholds.MaxMitoFraction, "Maximum mitochondrial read fraction.")
	outDir := cmd.Flags.String("out-dir", "", "Directory for the filtered tables.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return env.UsageErrorf("filter takes one or more table paths")
		}
		req := &pipeline.FilterRequest{Inputs: argv}
		if *outDir != "" {
			for _, in := range argv {
				req.Outputs = append(req.Outputs, strings.TrimSuffix(*outDir, "/")+"/"+path.Base(in))
			}
		}
		set := setFlags(&cmd.Flags)
		mod := func(ctx context.Context, cfg *pipeline.Config) error {
			if set["min-reads"] {
				cfg.Filter.MinReads = *minReads
			}
			if set["min-genes"] {
				cfg.Filter.MinGenes = *minGenes
			}
			if set["max-mito"] {
				cfg.Filter.MaxMitoFraction = *maxMito
			}
			return nil
		}
		return common.run(env, mod, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.Filter(ctx, req)
		})
	})
	return cmd
}

func newCmdSplit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "split",
		Short:    "Partition a spatial barcode table into regions",
		ArgsName: "table",
		Long: `
Split assigns each barcode to the first region rule it matches, or to
"unassigned". Rules are read from a JSON file of rect, circle, polygon and
barcodes rules. With -out-dir, one table per non-empty region is written
there.`,
	}
	common := addCommonFlags(cmd)
	rules := cmd.Flags.String("rules", "", "JSON region rule file. Overrides the configuration.")
	outDir := cmd.Flags.String("out-dir", "", "Directory for the per-region tables.")
	ext := cmd.Flags.String("ext", ".tsv", "Extension of the per-region tables, e.g. .tsv.gz.")
	keep := cmd.Flags.Bool("keep-existing", false, "Keep the region of unmatched barcodes that already have one.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return env.UsageErrorf("split takes one table path, but got %v", argv)
		}
		req := &pipeline.SplitRequest{Input: argv[0], Rules: *rules, OutDir: *outDir, Ext: *ext}
		set := setFlags(&cmd.Flags)
		mod := func(ctx context.Context, cfg *pipeline.Config) error {
			if set["keep-existing"] {
				cfg.Regions.KeepExisting = *keep
			}
			return nil
		}
		return common.run(env, mod, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.Split(ctx, req)
		})
	})
	return cmd
}

func newCmdMerge() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "merge",
		Short:    "Merge spatial barcode tables of overlapping tiles",
		ArgsName: "table...",
		Long: `
Merge combines tiles given in priority order. Barcodes of different tiles at
the same coordinate are combined by -policy: "first" keeps the earliest
tile's record, "average" averages the counts, "max" takes the maximum.`,
	}
	common := addCommonFlags(cmd)
	policy := cmd.Flags.String("policy", "", "Collision policy: first, average or max. Overrides the configuration.")
	output := cmd.Flags.String("o", "", "Path of the merged table.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		req := &pipeline.MergeRequest{Inputs: argv, Policy: *policy, Output: *output}
		return common.run(env, nil, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.Merge(ctx, req)
		})
	})
	return cmd
}

func newCmdAlign() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "align",
		Short:    "Run the external aligner and summarize its log",
		ArgsName: "r1 [r2]",
	}
	common := addCommonFlags(cmd)
	outPrefix := cmd.Flags.String("out-prefix", "", "Prefix of the aligner's output files.")
	genomeDir := cmd.Flags.String("genome-dir", "", "Aligner genome index directory. Overrides the configuration.")
	binary := cmd.Flags.String("aligner", "", "Aligner executable. Overrides the configuration.")
	threads := cmd.Flags.Int("threads", 0, "Aligner threads. Overrides the configuration.")
	timeout := cmd.Flags.Duration("timeout", 0, "Aligner timeout. Overrides the configuration.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 1 || len(argv) > 2 {
			return env.UsageErrorf("align takes one or two FASTQ paths, but got %v", argv)
		}
		req := &pipeline.AlignRequest{R1: argv[0], OutPrefix: *outPrefix, GenomeDir: *genomeDir}
		if len(argv) == 2 {
			req.R2 = argv[1]
		}
		set := setFlags(&cmd.Flags)
		mod := func(ctx context.Context, cfg *pipeline.Config) error {
			if set["aligner"] {
				cfg.Aligner.Binary = *binary
			}
			if set["threads"] {
				cfg.Aligner.Threads = *threads
			}
			if set["timeout"] {
				cfg.Aligner.Timeout = pipeline.Duration(*timeout)
			}
			return nil
		}
		return common.run(env, mod, func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error) {
			return p.Align(ctx, req)
		})
	})
	return cmd
}
