package calllog

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// urlFor derives the durable call-log identifier of spec §6, matching the
// archive package's base58(sha256(seed)) convention.
func urlFor(scheme string, seed []byte) string {
	sum := sha256.Sum256(seed)
	return scheme + "://" + base58.Encode(sum[:])
}
