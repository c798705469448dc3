// Package cli provides the command-line interface for vmkit.
package cli

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmkit/internal/config"
	"github.com/javanstorm/vmkit/internal/version"
)

var (
	cfgFile string
	v       = viper.New()
	conf    = config.DefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "vmkit",
	Short: "vmkit - describe and run virtual machines",
	Long: `vmkit builds VM descriptions as JSON documents and runs them on the
host hypervisor: Apple Virtualization on macOS, KVM on Linux.

A description is created once with 'vmkit create', then started any number
of times with 'vmkit run'.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		return initConfig(commandContext(cmd))
	},
}

func initConfig(ctx context.Context) error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	conf = loaded
	return log.SetupLog(ctx, conf.Log.ServerLog(), "")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for specs created by name")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cloneCmd)
}
