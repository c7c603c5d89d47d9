package sizespec

import (
	"testing"

	"github.com/kolibri-offline/imagebuilder/pkg/errors"
	"gotest.tools/v3/assert"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"100MB", 100 * 1000 * 1000},
		{"50MB", 50 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
		{"1.5GB", 1500 * 1000 * 1000},
		{"10 KB", 10 * 1000},
		{"3M", 3 * 1000 * 1000},
		{"100mb", 100 * 1000 * 1000},
		{"512", 512},
		{"512B", 512},
		{"1TB", 1000 * 1000 * 1000 * 1000},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			assert.NilError(t, err)
			assert.Equal(t, got, tc.want)
		})
	}
}

func TestParseBinary(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1KiB", 1024},
		{"100MiB", 100 * 1024 * 1024},
		{"2GiB", 2 * 1024 * 1024 * 1024},
		{"1.5 GiB", 3 * 512 * 1024 * 1024},
		{"4gib", 4 * 1024 * 1024 * 1024},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			assert.NilError(t, err)
			assert.Equal(t, got, tc.want)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "MB", "abc", "10XB", "-5MB", "0", "0MB", "10MBB"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Assert(t, errors.Is(err, ErrInvalidSizeFormat), "input %q: got %v", in, err)
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		assert.Assert(t, recover() != nil)
	}()
	MustParse("not-a-size")
}
