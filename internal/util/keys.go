package util

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// maxRawParent is the longest parent id kept verbatim in a storage key.
const maxRawParent = 64

// StorageKey returns "<prefix>:<kind>:<parent>". Parent ids that are long or
// contain separators/whitespace are replaced by "#" + a short SHA-256 hex
// prefix so keys stay bounded and unambiguous.
func StorageKey(prefix, kind, parent string) string {
	if len(parent) <= maxRawParent && parent != "" && !strings.ContainsAny(parent, ": \t\r\n") {
		return prefix + ":" + kind + ":" + parent
	}
	sum := sha256.Sum256([]byte(parent))
	return fmt.Sprintf("%s:%s:#%x", prefix, kind, sum[:8])
}
