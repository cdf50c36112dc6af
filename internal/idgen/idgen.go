// Package idgen produces short job identifiers.
package idgen

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// Short returns a Generator of lowercase base-36 IDs of the given length,
// drawn from the random bits of a v4 UUID. Lengths above 12 are clamped.
func Short(length int) Generator {
	if length > 12 {
		length = 12
	}
	return func() string {
		u := uuid.New()
		n := binary.BigEndian.Uint64(u[:8])
		s := strconv.FormatUint(n, 36)
		if len(s) < length {
			s = strings.Repeat("0", length-len(s)) + s
		}
		return s[len(s)-length:]
	}
}

// Job is the generator used for job IDs.
var Job = Short(6)
