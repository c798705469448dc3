package vmspec

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// StorageKind says what a storage entry is used for.
type StorageKind string

const (
	// StorageDisk is a regular block device.
	StorageDisk StorageKind = "disk"
	// StorageAux is the auxiliary-boot device of a macOS guest.
	StorageAux StorageKind = "aux"
	// StorageInitrd is the initial ramdisk of a linux guest booted from a kernel.
	StorageInitrd StorageKind = "initrd"
)

// ParseStorageKind validates a storage type name.
func ParseStorageKind(s string) (StorageKind, error) {
	switch StorageKind(s) {
	case StorageDisk, StorageAux, StorageInitrd:
		return StorageKind(s), nil
	default:
		return "", fmt.Errorf("unknown storage type %q (want disk, aux or initrd)", s)
	}
}

// Storage option keys. Options are "key=value" strings.
const (
	OptionCache   = "cache"   // automatic | cached | uncached
	OptionSync    = "sync"    // full | fsync | none
	OptionTimeout = "timeout" // Go duration, URL-backed entries only
)

var storageOptionValues = map[string][]string{
	OptionCache: {"automatic", "cached", "uncached"},
	OptionSync:  {"full", "fsync", "none"},
}

// Storage is one entry of the spec's storage list. Exactly one of Path and URL is set.
type Storage struct {
	Kind     StorageKind
	Path     string
	URL      string
	ReadOnly bool
	Options  []string
}

// Location returns the path or URL backing the entry.
func (s Storage) Location() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

// IsRemote reports whether the entry is backed by a URL rather than a local file.
func (s Storage) IsRemote() bool { return s.URL != "" }

// Option returns the value of a "key=value" option and whether it was present.
func (s Storage) Option(key string) (string, bool) {
	for _, o := range s.Options {
		k, v, _ := strings.Cut(o, "=")
		if k == key {
			return v, true
		}
	}
	return "", false
}

// Timeout returns the parsed timeout option, or zero when unset.
func (s Storage) Timeout() time.Duration {
	v, ok := s.Option(OptionTimeout)
	if !ok {
		return 0
	}
	d, _ := time.ParseDuration(v)
	return d
}

func (s Storage) validate(field string) error {
	if _, err := ParseStorageKind(string(s.Kind)); err != nil {
		return invalid(field+".type", "%v", err)
	}
	switch {
	case s.Path == "" && s.URL == "":
		return invalid(field, "one of file or url is required")
	case s.Path != "" && s.URL != "":
		return invalid(field, "file and url are mutually exclusive")
	}
	if s.URL != "" {
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" {
			return invalid(field+".url", "%q is not an absolute URL", s.URL)
		}
		if s.Kind != StorageDisk {
			return invalid(field+".url", "only disk entries may be URL-backed")
		}
	}
	for i, o := range s.Options {
		of := fmt.Sprintf("%s.options[%d]", field, i)
		k, v, ok := strings.Cut(o, "=")
		if !ok || v == "" {
			return invalid(of, "option %q is not key=value", o)
		}
		switch k {
		case OptionCache, OptionSync:
			if !slices.Contains(storageOptionValues[k], v) {
				return invalid(of, "%s must be one of %s", k, strings.Join(storageOptionValues[k], ", "))
			}
		case OptionTimeout:
			if s.URL == "" {
				return invalid(of, "timeout applies only to url entries")
			}
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return invalid(of, "timeout %q is not a positive duration", v)
			}
		default:
			return invalid(of, "unknown option %q", k)
		}
	}
	return nil
}

func (s Storage) clone() Storage {
	s.Options = append([]string(nil), s.Options...)
	return s
}
