package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raymyers/smemgen/pkg/cudaparams"
	"github.com/raymyers/smemgen/pkg/kernelgen"
	"github.com/raymyers/smemgen/pkg/plan"
)

var version = "0.1.0"

// Launch parameter overrides; applied to every kernel when set.
var (
	blocksPerSM     int
	threadsPerBlock int
	l1Preferred     bool
	sharedBytes     int
)

var (
	outputFile string
	indent     int
	dResidency bool // dump residency after each load point
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// normalizeFlag accepts snake_case spellings of the flags, matching the
// plan file keys.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smemgen [plan]",
		Short: "smemgen generates CUDA kernels with shared memory caching",
		Long: `smemgen reads a kernel plan (YAML or JSONC) and emits kernel source,
keeping the most used variables of each load point in shared memory and
writing the loads and stores that keep it consistent.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			if err := doGenerate(cmd.Flags(), args[0], out, errOut); err != nil {
				fmt.Fprintf(errOut, "smemgen: %v\n", err)
				return err
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.Flags()
	flags.SetNormalizeFunc(normalizeFlag)
	flags.IntVar(&blocksPerSM, "blocks-per-sm", 0, "Resident blocks per multiprocessor (overrides the plan)")
	flags.IntVar(&threadsPerBlock, "threads-per-block", 0, "Threads per block (overrides the plan)")
	flags.BoolVar(&l1Preferred, "l1-preferred", true, "Prefer L1 cache over shared memory (overrides the plan)")
	flags.IntVar(&sharedBytes, "shared-bytes", 0, "Shared memory bytes per multiprocessor, instead of the device table")
	flags.StringVarP(&outputFile, "output", "o", "", "Write the kernel source to this file")
	flags.IntVar(&indent, "indent", 2, "Indentation of kernel bodies")
	flags.BoolVar(&dResidency, "dresidency", false, "Dump shared memory residency after each load point")

	return rootCmd
}

// applyOverrides copies explicitly set launch flags into every kernel.
func applyOverrides(flags *pflag.FlagSet, p *plan.Plan) {
	for i := range p.Kernels {
		k := &p.Kernels[i]
		if flags.Changed("blocks-per-sm") {
			k.BlocksPerSM = blocksPerSM
		}
		if flags.Changed("threads-per-block") {
			k.ThreadsPerBlock = threadsPerBlock
		}
		if flags.Changed("l1-preferred") {
			l1 := l1Preferred
			k.L1Preferred = &l1
		}
	}
}

func doGenerate(flags *pflag.FlagSet, filename string, out, errOut io.Writer) error {
	p, err := plan.Load(filename)
	if err != nil {
		return err
	}
	applyOverrides(flags, p)

	opts := kernelgen.Options{Indent: indent}
	if sharedBytes > 0 {
		opts.Sizer = cudaparams.Fixed(sharedBytes)
	}
	if dResidency {
		opts.Trace = errOut
	}

	if outputFile == "" {
		return kernelgen.New(out, opts).Generate(p)
	}

	var buf bytes.Buffer
	if err := kernelgen.New(&buf, opts).Generate(p); err != nil {
		return err
	}
	if err := atomic.WriteFile(outputFile, &buf); err != nil {
		return fmt.Errorf("writing %s: %w", outputFile, err)
	}
	return nil
}
