package embeddings

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashText returns a hex BLAKE2b-256 digest of text. Used to detect
// content changes without comparing full strings.
func HashText(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
