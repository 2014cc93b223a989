package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxKeyLen is the hard cap on a composed key's length. Longer keys are
// replaced by a truncated debug prefix plus a content hash so two different
// identifiers can never collide just because they share a long common
// prefix that got cut at the same point.
const maxKeyLen = 200

// encodeKeyComponent percent-encodes everything outside the unreserved set
// [A-Za-z0-9-_.~], including ':'. Encoding the separator character itself
// is what prevents "a:b" and "a_b" from composing to the same key.
func encodeKeyComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

// composeKey builds "prefix:encode(identifier):encode(tenant):suffix" and
// applies the length bound.
func composeKey(prefix, identifier, tenant, suffix string) string {
	key := fmt.Sprintf("%s:%s:%s:%s", prefix, encodeKeyComponent(identifier), encodeKeyComponent(tenant), suffix)
	return truncateKey(key)
}

func truncateKey(key string) string {
	if len(key) <= maxKeyLen {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:]) // 64 chars
	n := maxKeyLen - 1 - len(hexSum)
	if n < 0 {
		n = 0
	}
	if n > len(key) {
		n = len(key)
	}
	return key[:n] + "_" + hexSum
}

// fixedWindowKey composes the counter key for one aligned fixed window.
// windowStart is the aligned window start in epoch seconds.
func fixedWindowKey(prefix, identifier, tenant string, windowStart int64) string {
	return composeKey(prefix, identifier, tenant, fmt.Sprintf("%d", windowStart))
}

// bucketKey composes the single hash key backing a token bucket.
func bucketKey(prefix, identifier, tenant string) string {
	return composeKey(prefix, identifier, tenant, "bucket")
}

// slidingKeys composes the current and previous window counters for the
// sliding window algorithm. The "sliding" suffix from composeKey is used as
// a base, and the window start (epoch seconds) is appended a second time,
// per key, before the length bound is re-applied.
func slidingKeys(prefix, identifier, tenant string, currentStart, previousStart int64) (current, previous string) {
	current = truncateKey(fmt.Sprintf("%s:%d", composeKey(prefix, identifier, tenant, "sliding"), currentStart))
	previous = truncateKey(fmt.Sprintf("%s:%d", composeKey(prefix, identifier, tenant, "sliding"), previousStart))
	return
}
