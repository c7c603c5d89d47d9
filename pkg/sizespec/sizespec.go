// Package sizespec parses human-friendly disk size strings ("100MB", "2GiB")
// into exact byte counts.
//
// Decimal units (K, KB, M, MB, ...) are powers of 1000 and binary units
// (KiB, MiB, ...) are powers of 1024. A bare number is a byte count.
package sizespec

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/kolibri-offline/imagebuilder/pkg/errors"
)

// ErrInvalidSizeFormat is returned for strings that are not a positive size.
var ErrInvalidSizeFormat = errors.New("invalid size format")

// Parse returns the number of bytes described by spec.
func Parse(spec string) (int64, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidSizeFormat)
	}

	parse := units.FromHumanSize
	if isBinary(s) {
		parse = units.RAMInBytes
	}

	n, err := parse(s)
	if err != nil {
		return 0, errors.WrapKind(ErrInvalidSizeFormat, err, fmt.Sprintf("parse %q", spec))
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q is not a positive size", ErrInvalidSizeFormat, spec)
	}
	return n, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(spec string) int64 {
	n, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return n
}

// Format renders n with decimal units, the inverse of Parse for whole values.
func Format(n int64) string {
	return units.HumanSize(float64(n))
}

func isBinary(s string) bool {
	return strings.HasSuffix(strings.ToLower(s), "ib")
}
