package text

import (
	"crypto/sha256"
	"fmt"
)

// ContentHash returns a stable hex digest of content. The same function is
// used for full documents and individual chunks, so unchanged content maps to
// the same digest at either granularity.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}
