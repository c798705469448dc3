//go:build !darwin && !linux

package vmspec

import "errors"

var errNoReflink = errors.New("copy-on-write clone not supported")

func reflink(string, string) error { return errNoReflink }
