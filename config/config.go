// Package config parses the small set of human-facing strings the core
// accepts: connector URLs (scheme://path[,opt]*) and human memory sizes
// (32M, 1G). It is adapted from the teacher's flag/flag.go — the same
// num[gGmMkK] suffix parsing, aimed at connection strings instead of CLI
// flags, since the CLI itself is out of scope for this core.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/memerr"
)

// Scheme identifies the transport a connector URL selects.
type Scheme string

const (
	SchemeUnix Scheme = "unix"
	SchemeTCP  Scheme = "tcp"
)

// URL is a parsed connector URL: scheme://path[,opt]*.
type URL struct {
	Scheme  Scheme
	Path    string
	Options []string
}

// HasOption reports whether name appears among the URL's comma-separated
// options (e.g. "nodelay").
func (u URL) HasOption(name string) bool {
	for _, o := range u.Options {
		if o == name {
			return true
		}
	}

	return false
}

// ParseURL parses a connector URL of the form "unix:///tmp/bridge.sock" or
// "tcp://127.0.0.1:12345,nodelay". Any scheme other than unix/tcp, or a
// string with no "://" separator, is ErrInvalidArgument.
func ParseURL(raw string) (URL, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return URL{}, fmt.Errorf("%q: missing scheme: %w", raw, memerr.ErrInvalidArgument)
	}

	scheme := Scheme(raw[:schemeSep])
	rest := raw[schemeSep+3:]

	switch scheme {
	case SchemeUnix, SchemeTCP:
	default:
		return URL{}, fmt.Errorf("%q: invalid url scheme: %w", scheme, memerr.ErrInvalidArgument)
	}

	parts := strings.Split(rest, ",")
	path := parts[0]

	if path == "" {
		return URL{}, fmt.Errorf("%q: empty path: %w", raw, memerr.ErrInvalidArgument)
	}

	return URL{Scheme: scheme, Path: path, Options: parts[1:]}, nil
}

// ParseSize parses a size string as num[gGmMkK], same convention as the
// teacher's flag.ParseSize: the multiplier suffix is optional, and when
// absent the unit argument is used instead.
func ParseSize(s, unit string) (address.Length, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, memerr.ErrInvalidArgument)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w: %v", s, memerr.ErrInvalidArgument, err) //nolint:errorlint
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return address.FromGB(amt), nil
	case "M", "m":
		return address.FromMB(amt), nil
	case "K", "k":
		return address.FromKB(amt), nil
	case "":
		return address.FromBytes(amt), nil
	}

	return 0, fmt.Errorf("%q: can not parse as num[gGmMkK]: %w", s, memerr.ErrInvalidArgument)
}
