package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/javanstorm/vmkit/pkg/vmspec"
)

// parseDisplay reads "WIDTHxHEIGHT" or "WIDTHxHEIGHT@DPI".
func parseDisplay(s string) (width, height, dpi int, err error) {
	dpi = vmspec.DefaultDPI
	size, d, hasDPI := strings.Cut(s, "@")
	if hasDPI {
		if dpi, err = strconv.Atoi(d); err != nil {
			return 0, 0, 0, fmt.Errorf("display %q: bad dpi: %w", s, err)
		}
	}
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return 0, 0, 0, fmt.Errorf("display %q: want WIDTHxHEIGHT[@DPI]", s)
	}
	if width, err = strconv.Atoi(w); err != nil {
		return 0, 0, 0, fmt.Errorf("display %q: bad width: %w", s, err)
	}
	if height, err = strconv.Atoi(h); err != nil {
		return 0, 0, 0, fmt.Errorf("display %q: bad height: %w", s, err)
	}
	return width, height, dpi, nil
}

// parseNetwork reads "KIND[:IFACE][,mac=MAC]", e.g. "nat" or
// "bridged:en0,mac=02:00:00:00:00:01".
func parseNetwork(s string) (kind vmspec.NetworkKind, iface, mac string, err error) {
	head, opts, _ := strings.Cut(s, ",")
	k, iface, _ := strings.Cut(head, ":")
	if kind, err = vmspec.ParseNetworkKind(k); err != nil {
		return "", "", "", fmt.Errorf("network %q: %w", s, err)
	}
	if opts != "" {
		key, val, ok := strings.Cut(opts, "=")
		if !ok || key != "mac" {
			return "", "", "", fmt.Errorf("network %q: unknown option %q", s, opts)
		}
		mac = val
	}
	return kind, iface, mac, nil
}

// parseShare reads "PATH[:TAG][:ro]".
func parseShare(s string) (path, tag string, readOnly bool) {
	parts := strings.Split(s, ":")
	if len(parts) > 1 && parts[len(parts)-1] == "ro" {
		readOnly = true
		parts = parts[:len(parts)-1]
	}
	path = parts[0]
	if len(parts) > 1 {
		tag = parts[1]
	}
	return path, tag, readOnly
}

// parseStorage reads "PATH_OR_URL[,opt=value...][,ro]".
func parseStorage(s string, kind vmspec.StorageKind) vmspec.Storage {
	fields := strings.Split(s, ",")
	st := vmspec.Storage{Kind: kind}
	if strings.Contains(fields[0], "://") {
		st.URL = fields[0]
	} else {
		st.Path = fields[0]
	}
	for _, f := range fields[1:] {
		if f == "ro" {
			st.ReadOnly = true
			continue
		}
		st.Options = append(st.Options, f)
	}
	return st
}
