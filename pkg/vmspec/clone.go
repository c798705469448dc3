package vmspec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
)

// CloneAllStorage duplicates the backing file of every local storage entry
// and points the description at the copies. Copies are written to dir, or
// next to each source when dir is empty. URL-backed entries stay shared.
//
// If any entry fails, the description is left unchanged and a *CloneError
// lists the copies already made. Those files are not removed.
func (b *Builder) CloneAllStorage(ctx context.Context, dir string) ([]ClonedStorage, error) {
	logger := log.WithFunc("vmspec.CloneAllStorage")
	next := make([]Storage, len(b.spec.Storage))
	var cloned []ClonedStorage
	for i, st := range b.spec.Storage {
		next[i] = st.clone()
		if st.IsRemote() {
			logger.Infof(ctx, "storage[%d] %s is remote, keeping it shared", i, st.URL)
			continue
		}
		if err := ctx.Err(); err != nil {
			return cloned, &CloneError{Cloned: cloned, Index: i, Err: err}
		}
		dst := cloneDestination(st.Path, dir)
		if err := cloneFile(st.Path, dst); err != nil {
			return cloned, &CloneError{Cloned: cloned, Index: i, Err: err}
		}
		logger.Infof(ctx, "storage[%d] cloned %s -> %s", i, st.Path, dst)
		cloned = append(cloned, ClonedStorage{Index: i, From: st.Path, To: dst})
		next[i].Path = dst
	}
	b.spec.Storage = next
	return cloned, nil
}

// cloneDestination derives "<stem>-<8 hex><ext>" for src inside dir.
func cloneDestination(src, dir string) string {
	if dir == "" {
		dir = filepath.Dir(src)
	}
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], ext))
}

// cloneFile makes dst an independent copy of src, preferring a copy-on-write
// clone and falling back to a byte copy.
func cloneFile(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}
	if err := reflink(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) //nolint:gosec
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm()) //nolint:gosec
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Sync()
}
