package provider

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultFingerprint is used when no credential material is available.
const DefaultFingerprint = "default"

// Fingerprint derives a stable 16 hex character identity from credential
// material. Parts are length-prefixed so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	if len(parts) == 0 {
		return DefaultFingerprint
	}
	d := xxhash.New()
	for _, p := range parts {
		d.WriteString(strconv.Itoa(len(p)))
		d.WriteString(":")
		d.WriteString(p)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
