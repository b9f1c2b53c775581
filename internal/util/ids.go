package util

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// HashID returns prefix followed by the hex md5 of the joined parts.
// Parts are separated by a NUL byte so ("ab", "c") and ("a", "bc") differ.
func HashID(prefix string, parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return prefix + hex.EncodeToString(sum[:])
}

// ArgsHash returns the hex md5 of the %v rendering of args.
func ArgsHash(args ...any) string {
	var b strings.Builder
	for _, a := range args {
		fmt.Fprintf(&b, "%v", a)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// NewID returns a random 21 character id.
func NewID() string {
	return gonanoid.Must()
}
