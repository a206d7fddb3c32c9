// bio-spatialqc validates and transforms spatial transcriptomics inputs:
// FASTQ QC, UMI extraction, reference acquisition and annotation lookup,
// and barcode table filtering, region splitting and tile merging.
//
// Each subcommand prints its result as JSON on stdout. Run
// "bio-spatialqc help" for the list of subcommands.
package main

import "github.com/grailbio/spatialqc/cmd/bio-spatialqc/cmd"

func main() {
	cmd.Run()
}
