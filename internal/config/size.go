package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Binary size multipliers for ParseSize suffixes.
const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// sizeSuffixes maps accepted suffixes to multipliers, longest first so the
// scan below never matches "B" inside "KiB". Plain "K"/"M"/"G" are binary,
// matching common sync-tool convention.
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"KiB", kib}, {"MiB", mib}, {"GiB", gib},
	{"KB", kib}, {"MB", mib}, {"GB", gib},
	{"K", kib}, {"M", mib}, {"G", gib},
	{"B", 1},
}

// ParseSize converts a human size string ("64KiB", "10M", "512") to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("config: empty size string")
	}

	mult := int64(1)
	num := s

	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			mult = sfx.mult
			num = strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))

			break
		}
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size %q: %w", s, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("config: negative size %q", s)
	}

	return n * mult, nil
}
