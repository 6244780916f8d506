// Package fingerprint derives the stable content hash that groups recurring
// errors into one issue.
package fingerprint

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/xxh3"

	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

const maxNormalizedMessageBytes = 500

// Normalization regexes compiled once at package init. Order matters: the
// structured patterns run before the generic digit rule would mangle them.
var (
	reDatetime   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reLongHex    = regexp.MustCompile(`(?i)\b[0-9a-f]{12,}\b`)
	reDigits     = regexp.MustCompile(`\d+`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Engine computes fingerprints. The seed must be fixed across restarts or
// previously stored issues stop matching.
type Engine struct {
	seed uint64
}

// New creates an Engine with the given hash seed.
func New(seed uint64) *Engine {
	return &Engine{seed: seed}
}

// Fingerprint hashes the normalized projection of p with seeded XXH3-128.
// p is expected to be validated and already symbolicated.
func (e *Engine) Fingerprint(p *models.EventPayload) models.Fingerprint {
	return models.Fingerprint(xxh3.Hash128Seed([]byte(Projection(p)), e.seed).Bytes())
}

// Projection builds the byte sequence that identifies "the same" error: the
// type discriminant, the normalized message and each frame's function, file
// and line. Columns, timestamps, the event URI and meta never take part.
func Projection(p *models.EventPayload) string {
	var b strings.Builder
	b.WriteString("type=")
	b.WriteString(strconv.Itoa(p.TypeCode()))
	b.WriteString("\nmsg=")
	b.WriteString(NormalizeMessage(p.Message))
	for _, f := range p.Stack {
		b.WriteString("\n")
		b.WriteString(f.Function)
		b.WriteString("|")
		b.WriteString(normalizeFile(f.File))
		b.WriteString("|")
		b.WriteString(strconv.Itoa(f.Line))
	}
	return b.String()
}

// NormalizeMessage elides volatile substrings from an error message:
// timestamps become TS, UUIDs UUID, hex addresses ADDR, hex runs of 12 or more
// characters HEX, and every remaining digit run N. Whitespace is collapsed,
// the result lowercased and capped at 500 bytes.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "TS")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reHexAddr.ReplaceAllString(msg, "ADDR")
	msg = reLongHex.ReplaceAllString(msg, "HEX")
	msg = reDigits.ReplaceAllString(msg, "N")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return truncateString(msg, maxNormalizedMessageBytes)
}

// normalizeFile drops query strings and fragments, which carry cache busters.
func normalizeFile(file string) string {
	if i := strings.IndexAny(file, "?#"); i >= 0 {
		return file[:i]
	}
	return file
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
