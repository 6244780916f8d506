package cache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// DigestKey holds the latest per-status issue counts written by maintenance.
const DigestKey = "digest:issues"

// RateLimitKey is the per-client-IP ingestion counter for the current window.
func RateLimitKey(clientIP string) string {
	return fmt.Sprintf("ratelimit:ip:%s", clientIP)
}

// SourceMapKey addresses raw source map bytes by a hash of their URL, so
// arbitrarily long URLs still produce short keys.
func SourceMapKey(mapURL string) string {
	sum := xxh3.HashString128(mapURL).Bytes()
	return fmt.Sprintf("sourcemap:%s", hex.EncodeToString(sum[:]))
}
