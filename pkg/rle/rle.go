// Package rle implements the uncompressed run-length mask encoding used on
// the wire: alternating run lengths of zero and one pixels, space separated,
// always starting with the zero run.
package rle

import (
	"fmt"
	"strconv"
	"strings"
)

// Encode serializes a binary mask.
func Encode(mask []bool) string {
	if len(mask) == 0 {
		return ""
	}
	var runs []string
	current := false
	count := 0
	for _, v := range mask {
		if v == current {
			count++
			continue
		}
		runs = append(runs, strconv.Itoa(count))
		current = v
		count = 1
	}
	runs = append(runs, strconv.Itoa(count))
	return strings.Join(runs, " ")
}

// Decode expands counts back into a binary mask and verifies the total run
// length matches the expected pixel count.
func Decode(counts string, size int) ([]bool, error) {
	mask := make([]bool, 0, size)
	if counts == "" {
		if size != 0 {
			return nil, fmt.Errorf("empty rle for %d pixels", size)
		}
		return mask, nil
	}
	value := false
	for _, field := range strings.Fields(counts) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid run length %q", field)
		}
		for i := 0; i < n; i++ {
			mask = append(mask, value)
		}
		value = !value
	}
	if len(mask) != size {
		return nil, fmt.Errorf("rle decodes to %d pixels, expected %d", len(mask), size)
	}
	return mask, nil
}
