package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmkit/internal/lock"
	"github.com/javanstorm/vmkit/pkg/hypervisor"
	"github.com/javanstorm/vmkit/pkg/vmspec"
)

var cloneKeepIdentity bool

var cloneCmd = &cobra.Command{
	Use:   "clone [flags] SRC DST",
	Short: "Copy a VM description and its storage",
	Long: `Copy every local storage file of SRC next to DST and write a new
description pointing at the copies. The clone gets a new machine identifier
and new MAC addresses unless --keep-identity is set. Copies are
copy-on-write where the filesystem supports it.`,
	Args: cobra.ExactArgs(2),
	RunE: runClone,
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneKeepIdentity, "keep-identity", false, "keep the machine identifier and MAC addresses")
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	src, dst := specPath(args[0]), specPath(args[1])
	out := cmd.OutOrStdout()

	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}

	// Disks of a running VM are not consistent.
	lk := lock.ForSpec(src)
	if err := lk.TryLock(ctx); err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return fmt.Errorf("%s is running; stop it before cloning", src)
		}
		return err
	}
	defer lk.Unlock(ctx) //nolint:errcheck

	b, err := vmspec.LoadFile(src, hypervisor.NewHost())
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create clone dir: %w", err)
	}
	cloned, err := b.CloneAllStorage(ctx, dir)
	if err != nil {
		var ce *vmspec.CloneError
		if errors.As(err, &ce) {
			reportLeftovers(ctx, cmd.ErrOrStderr(), ce.Cloned)
		}
		return err
	}
	for _, c := range cloned {
		fmt.Fprintf(out, "  %s -> %s\n", c.From, c.To)
	}

	if err := saveClone(b, dst, cloneKeepIdentity); err != nil {
		reportLeftovers(ctx, cmd.ErrOrStderr(), cloned)
		return err
	}
	fmt.Fprintf(out, "Cloned %s to %s\n", src, dst)
	return nil
}

// saveClone gives b a new identity unless keep is set and writes it to dst.
func saveClone(b *vmspec.Builder, dst string, keep bool) error {
	if !keep {
		if err := b.RegenerateIdentity(); err != nil {
			return err
		}
	}
	spec, err := b.Configure()
	if err != nil {
		return err
	}
	return spec.SaveFile(dst)
}

// reportLeftovers names storage copies that no saved spec refers to.
func reportLeftovers(ctx context.Context, w io.Writer, cloned []vmspec.ClonedStorage) {
	logger := log.WithFunc("cli.runClone")
	for _, c := range cloned {
		logger.Warnf(ctx, "left copy %s", c.To)
		fmt.Fprintf(w, "left copy %s (no spec refers to it)\n", c.To)
	}
}
