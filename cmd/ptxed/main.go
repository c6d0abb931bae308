// ptxed reconstructs the execution flow of a raw Intel PT trace against the
// traced program's memory image and prints each executed instruction.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"intelpt/image"
	"intelpt/insn"
	"intelpt/pt"
)

// options collects the tool configuration. Defaults can be set through the
// environment with the PTXED prefix, e.g. PTXED_CPU_FAMILY.
type options struct {
	PT   string   `envconfig:"PT"`
	Raw  []string `envconfig:"RAW"`
	Insn bool     `envconfig:"INSN" default:"true"`

	CPUFamily   uint16 `envconfig:"CPU_FAMILY"`
	CPUModel    uint8  `envconfig:"CPU_MODEL"`
	CPUStepping uint8  `envconfig:"CPU_STEPPING"`
}

func main() {
	var opts options
	if err := envconfig.Process("ptxed", &opts); err != nil {
		fmt.Fprintf(os.Stderr, "ptxed: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "ptxed",
		Short: "Intel PT instruction flow tracer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts)
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&opts.PT, "pt", opts.PT, "raw Intel PT trace file")
	rootCmd.Flags().StringArrayVar(&opts.Raw, "raw", opts.Raw, "load a raw binary: <file>:<vaddr>")
	rootCmd.Flags().BoolVar(&opts.Insn, "insn", opts.Insn, "print instructions")
	rootCmd.Flags().Uint16Var(&opts.CPUFamily, "cpu-family", opts.CPUFamily, "cpu family the trace was recorded on")
	rootCmd.Flags().Uint8Var(&opts.CPUModel, "cpu-model", opts.CPUModel, "cpu model the trace was recorded on")
	rootCmd.Flags().Uint8Var(&opts.CPUStepping, "cpu-stepping", opts.CPUStepping, "cpu stepping the trace was recorded on")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts *options) error {
	if opts.PT == "" {
		return fmt.Errorf("missing trace file; use --pt")
	}

	buffer, err := os.ReadFile(opts.PT)
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	config := pt.Config{
		Buffer: buffer,
		CPU: pt.CPU{
			Vendor:   pt.VendorIntel,
			Family:   opts.CPUFamily,
			Model:    opts.CPUModel,
			Stepping: opts.CPUStepping,
		},
	}
	if config.CPU.Family != 0 {
		config.Errata, err = pt.CPUErrata(config.CPU)
		if err != nil {
			return err
		}
	}

	decoder, err := insn.NewDecoder(&config)
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}

	for _, raw := range opts.Raw {
		if err := loadRaw(decoder.Image(), raw); err != nil {
			return err
		}
	}

	return decode(decoder, opts)
}

// loadRaw loads a raw binary given as <file>:<vaddr> into the image.
func loadRaw(img *image.Image, arg string) error {
	sep := strings.LastIndex(arg, ":")
	if sep < 0 {
		return fmt.Errorf("raw binary %q: missing load address", arg)
	}

	filename := arg[:sep]
	vaddr, err := strconv.ParseUint(strings.TrimPrefix(arg[sep+1:], "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("raw binary %q: bad load address: %w", arg, err)
	}

	info, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("raw binary %q: %w", arg, err)
	}

	return img.AddFile(filename, 0, uint64(info.Size()), image.UnknownASID(), vaddr)
}

func decode(decoder *insn.Decoder, opts *options) error {
	for {
		if err := decoder.SyncForward(); err != nil {
			if err == pt.ErrEOS {
				return nil
			}
			return fmt.Errorf("sync: %w", err)
		}

		offset, _ := decoder.SyncOffset()
		glog.V(1).Infof("synchronized at offset 0x%x", offset)

		if err := decodeSync(decoder, opts); err != nil {
			return err
		}
	}
}

// decodeSync prints instructions from the current sync point until the trace
// ends or the decoder needs to re-synchronize.
func decodeSync(decoder *insn.Decoder, opts *options) error {
	for {
		in, status, err := decoder.Next()
		if err != nil {
			if err == pt.ErrEOS {
				return nil
			}

			offset, _ := decoder.Offset()
			glog.Warningf("offset 0x%x: %v", offset, err)
			return nil
		}

		if opts.Insn {
			printInsn(&in)
		}

		if status&pt.StatusEOS != 0 {
			return nil
		}
	}
}

func printInsn(in *insn.Insn) {
	var notes []string
	if in.Enabled {
		notes = append(notes, "enabled")
	}
	if in.Resumed {
		notes = append(notes, "resumed")
	}
	if in.Resynced {
		notes = append(notes, "resynced")
	}
	if in.Disabled {
		notes = append(notes, "disabled")
	}
	if in.Interrupted {
		notes = append(notes, "interrupted")
	}
	if in.Aborted {
		notes = append(notes, "aborted")
	}
	if in.Committed {
		notes = append(notes, "committed")
	}

	line := fmt.Sprintf("%016x  % x", in.IP, in.Raw[:in.Size])
	if len(notes) != 0 {
		line += "  [" + strings.Join(notes, ", ") + "]"
	}
	fmt.Println(line)
}
