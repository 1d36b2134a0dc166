package archive

import (
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// urlFor derives the durable identifier of spec §3 from a sha256 hash of
// seed: an opaque, stable string naming the resource across the network. Base58
// over a sha256 digest is the same opaque-identifier shape sibling pack
// repos (timestampvm, goshimmer) use for content/node IDs.
func urlFor(scheme string, seed []byte) string {
	sum := sha256.Sum256(seed)
	return scheme + "://" + base58.Encode(sum[:])
}
