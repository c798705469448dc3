package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmkit/internal/config"
	"github.com/javanstorm/vmkit/internal/vm"
	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show [flags] SPEC",
	Short: "Print a VM description and its boot history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "print the normalized JSON document")
}

func runShow(cmd *cobra.Command, args []string) error {
	path := specPath(args[0])
	out := cmd.OutOrStdout()

	b, err := vmspec.LoadFile(path, hypervisor.NewHost())
	if err != nil {
		return err
	}
	spec := b.Draft()
	if showJSON {
		return spec.Encode(out)
	}

	rec, err := vm.NewHistory(path).Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", path)
	describe(out, spec, rec)

	if err := hypervisor.CheckPlatform(); err != nil {
		fmt.Fprintf(out, "  Cannot run here: %v\n", err)
		return nil
	}
	if engine, err := hypervisor.NewEngine(); err == nil {
		fmt.Fprint(out, config.FormatWarnings(config.CheckSpec(spec, engine.Capabilities())))
	}
	return nil
}
