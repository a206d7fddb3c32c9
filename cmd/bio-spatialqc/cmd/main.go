package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/spatialqc/pipeline"
	"github.com/grailbio/spatialqc/reference"
	"v.io/x/lib/cmdline"
)

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	config          string
	metricsTextfile string
	referenceRoot   string
}

func addCommonFlags(cmd *cmdline.Command) *commonFlags {
	c := &commonFlags{}
	cmd.Flags.StringVar(&c.config, "config", "", "JSON configuration file. Absent fields keep their defaults.")
	cmd.Flags.StringVar(&c.metricsTextfile, "metrics-textfile", "",
		"If set, write prometheus metrics to this file on exit, for the node exporter's textfile collector.")
	cmd.Flags.StringVar(&c.referenceRoot, "reference-root", "", "Reference cache directory. Overrides the configuration.")
	return c
}

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// operation runs one pipeline operation and returns its result.
type operation func(ctx context.Context, p *pipeline.Pipeline) (interface{}, error)

// run loads the configuration, applies mod to it, runs op and prints its
// result as JSON.
func (c *commonFlags) run(env *cmdline.Env, mod func(ctx context.Context, cfg *pipeline.Config) error, op operation) error {
	ctx := vcontext.Background()
	cfg := pipeline.DefaultConfig()
	if c.config != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(ctx, c.config); err != nil {
			return err
		}
	}
	if c.referenceRoot != "" {
		cfg.Reference.Root = c.referenceRoot
	}
	if mod != nil {
		if err := mod(ctx, &cfg); err != nil {
			return err
		}
	}
	p, err := pipeline.New(cfg, fetchers()...)
	if err != nil {
		return fmt.Errorf("%s error: %v", pipeline.Classify(err), err)
	}
	res, err := op(ctx, p)
	if c.metricsTextfile != "" {
		if merr := p.Metrics().WriteToTextfile(c.metricsTextfile); merr != nil {
			log.Error.Printf("write metrics to %s: %v", c.metricsTextfile, merr)
		}
	}
	if err != nil {
		return fmt.Errorf("%s error: %v", pipeline.Classify(err), err)
	}
	enc := json.NewEncoder(env.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// fetchers returns the reference fetchers for http(s), s3 and local files.
func fetchers() []reference.Fetcher {
	fs := []reference.Fetcher{&reference.HTTPFetcher{}, reference.FileFetcher{}}
	sess, err := session.NewSession()
	if err != nil {
		log.Printf("s3 disabled: %v", err)
		return fs
	}
	return append(fs, reference.NewS3Fetcher(sess))
}

func newRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "bio-spatialqc",
		Short:    "Quality control and transformation of spatial transcriptomics data",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdValidate(),
			newCmdExtractUMI(),
			newCmdAcquire(),
			newCmdLookupGene(),
			newCmdLookupRange(),
			newCmdFilter(),
			newCmdSplit(),
			newCmdMerge(),
			newCmdAlign(),
		},
	}
}

// Run runs the bio-spatialqc command line.
func Run() {
	shutdown := grail.Init()
	cmdline.HideGlobalFlagsExcept()
	env := cmdline.EnvFromOS()
	err := cmdline.ParseAndRun(newRoot(), env, os.Args[1:])
	shutdown()
	os.Exit(cmdline.ExitCode(err, env.Stderr))
}
