package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Cache key namespaces. Keys take the form <namespace>:<version>:<hash>.
const (
	NamespaceEmbedding = "emb"
	NamespaceSearch    = "search"
	NamespaceRAG       = "rag"
)

// KeyVersion is bumped whenever the cached encoding changes shape, so stale
// entries from older builds are never decoded.
const KeyVersion = "v1"

// BuildKey composes a structured cache key from a namespace and the logical
// input parts. The parts are joined with an unprintable separator before
// hashing so that ("ab", "c") and ("a", "bc") produce distinct keys.
func BuildKey(namespace string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return namespace + ":" + KeyVersion + ":" + hex.EncodeToString(h[:])[:16]
}

// NamespacePattern returns the glob pattern matching every key in a
// namespace, for use with DeleteMatching.
func NamespacePattern(namespace string) string {
	return namespace + ":*"
}
