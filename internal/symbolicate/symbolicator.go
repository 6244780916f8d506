// Package symbolicate maps minified stack frames back to original source
// positions using published source maps.
//
// A script's map is looked up at <script>.map first. If that is missing the
// script itself is fetched and its trailing sourceMappingURL comment is
// followed, which covers maps hosted elsewhere and inline data: maps. The
// SourceMap response header is not consulted.
package symbolicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-sourcemap/sourcemap"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/kiranshivaraju/bugtrap/internal/cache"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// ErrSymbolication marks a frame that could not be resolved. It never leaves
// Symbolicate; the frame is kept as received instead.
var ErrSymbolication = errors.New("symbolication failed")

const (
	rawMapTTL      = 24 * time.Hour
	failureTTL     = time.Minute
	failureEntries = 1024
	// loadTimeout bounds a shared load once no caller is tied to it.
	loadTimeout = 30 * time.Second
)

// Symbolicator resolves frames against source maps fetched next to the
// minified file (<file>.map). Parsed maps live in a bounded in-process LRU;
// raw map bytes are shared across processes through the cache. Safe for
// concurrent use.
type Symbolicator struct {
	fetcher  Fetcher
	raw      cache.Cache
	maps     *lru.Cache[string, *sourcemap.Consumer]
	failures *expirable.LRU[string, error]
	group    singleflight.Group
}

// New creates a Symbolicator holding at most size parsed maps.
func New(fetcher Fetcher, raw cache.Cache, size int) (*Symbolicator, error) {
	if size <= 0 {
		size = 128
	}
	maps, err := lru.New[string, *sourcemap.Consumer](size)
	if err != nil {
		return nil, fmt.Errorf("create source map cache: %w", err)
	}
	if raw == nil {
		raw = cache.Nop{}
	}
	return &Symbolicator{
		fetcher:  fetcher,
		raw:      raw,
		maps:     maps,
		failures: expirable.NewLRU[string, error](failureEntries, nil, failureTTL),
	}, nil
}

// Symbolicate returns a copy of frames with every resolvable frame rewritten
// to its original function, file, line and column and marked Resolved.
// Unresolvable frames are returned unchanged.
func (s *Symbolicator) Symbolicate(ctx context.Context, frames []models.Frame) []models.Frame {
	out := make([]models.Frame, len(frames))
	copy(out, frames)

	for i, f := range out {
		resolved, err := s.resolve(ctx, f)
		if err != nil {
			slog.Debug("frame left unresolved", "file", f.File, "line", f.Line, "error", err)
			continue
		}
		out[i] = resolved
	}
	return out
}

func (s *Symbolicator) resolve(ctx context.Context, f models.Frame) (models.Frame, error) {
	mapURL, ok := MapURL(f.File)
	if !ok || f.Line <= 0 {
		return f, fmt.Errorf("%w: no source map location", ErrSymbolication)
	}

	consumer, err := s.consumer(ctx, mapURL)
	if err != nil {
		return f, fmt.Errorf("%w: %w", ErrSymbolication, err)
	}

	// Browsers report 1-based columns; source maps index them from 0.
	col := f.Column - 1
	if col < 0 {
		col = 0
	}
	source, name, line, column, ok := consumer.Source(f.Line, col)
	if !ok {
		return f, fmt.Errorf("%w: no mapping at %d:%d", ErrSymbolication, f.Line, f.Column)
	}

	resolved := models.Frame{
		Function: f.Function,
		File:     source,
		Line:     line,
		Column:   column + 1,
		Resolved: true,
	}
	if name != "" {
		resolved.Function = name
	}
	return resolved, nil
}

// consumer returns the parsed map for mapURL. Concurrent requests for one
// URL share a single load that runs detached from every caller, so one
// caller giving up never fails the others; each caller still stops waiting
// when its own ctx ends. Recent failures are remembered briefly so a burst
// of events does not hammer an unreachable host.
func (s *Symbolicator) consumer(ctx context.Context, mapURL string) (*sourcemap.Consumer, error) {
	if c, ok := s.maps.Get(mapURL); ok {
		return c, nil
	}
	if err, ok := s.failures.Get(mapURL); ok {
		return nil, err
	}

	ch := s.group.DoChan(mapURL, func() (any, error) {
		if c, ok := s.maps.Get(mapURL); ok {
			return c, nil
		}

		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		key := cache.SourceMapKey(mapURL)
		data, err := s.load(lctx, key, mapURL)
		if err != nil {
			s.failures.Add(mapURL, err)
			return nil, err
		}

		c, err := sourcemap.Parse(mapURL, data)
		if err != nil {
			err = fmt.Errorf("parse source map: %w", err)
			s.failures.Add(mapURL, err)
			if derr := s.raw.Delete(lctx, key); derr != nil {
				slog.Warn("source map cache evict failed", "url", mapURL, "error", derr)
			}
			return nil, err
		}
		s.maps.Add(mapURL, c)
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sourcemap.Consumer), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load returns raw map bytes for the script whose conventional map location
// is mapURL, from the shared cache or the network.
func (s *Symbolicator) load(ctx context.Context, key, mapURL string) ([]byte, error) {
	if data, found, err := s.raw.Get(ctx, key); err == nil && found {
		return data, nil
	}

	data, err := s.locate(ctx, mapURL)
	if err != nil {
		return nil, err
	}
	if err := s.raw.Set(ctx, key, data, rawMapTTL); err != nil {
		slog.Warn("source map cache write failed", "url", mapURL, "error", err)
	}
	return data, nil
}

// locate fetches <script>.map. When that is missing it reads the script's
// sourceMappingURL comment, which may point elsewhere or inline the map.
func (s *Symbolicator) locate(ctx context.Context, mapURL string) ([]byte, error) {
	data, err := s.fetcher.Fetch(ctx, mapURL)
	var se *StatusError
	if err == nil || !errors.As(err, &se) || se.Code != http.StatusNotFound {
		return data, err
	}

	script := strings.TrimSuffix(mapURL, ".map")
	src, serr := s.fetcher.Fetch(ctx, script)
	if serr != nil {
		return nil, err
	}
	ref, ok := SourceMappingURL(src)
	if !ok {
		return nil, err
	}
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURL(ref)
	}
	target, ok := resolveRef(script, ref)
	if !ok || target == mapURL {
		return nil, err
	}
	return s.fetcher.Fetch(ctx, target)
}

// MapURL derives the conventional source map location for a script URL.
// Only http(s) scripts are considered.
func MapURL(file string) (string, bool) {
	if !strings.HasPrefix(file, "http://") && !strings.HasPrefix(file, "https://") {
		return "", false
	}
	if i := strings.IndexAny(file, "?#"); i >= 0 {
		file = file[:i]
	}
	return file + ".map", true
}

// SourceMappingURL returns the last //# sourceMappingURL= reference in a
// script, also accepting the legacy //@ form.
func SourceMappingURL(src []byte) (string, bool) {
	for len(src) > 0 {
		i := bytes.LastIndex(src, []byte("sourceMappingURL="))
		if i < 0 {
			return "", false
		}
		prefix := bytes.TrimRight(src[:i], " \t")
		if bytes.HasSuffix(prefix, []byte("//#")) || bytes.HasSuffix(prefix, []byte("//@")) {
			ref := src[i+len("sourceMappingURL="):]
			if j := bytes.IndexAny(ref, " \t\r\n"); j >= 0 {
				ref = ref[:j]
			}
			if len(ref) == 0 {
				return "", false
			}
			return string(ref), true
		}
		src = src[:i]
	}
	return "", false
}

func resolveRef(script, ref string) (string, bool) {
	base, err := url.Parse(script)
	if err != nil {
		return "", false
	}
	u, err := base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return u.String(), true
}

// decodeDataURL decodes an inline map of the form data:<mediatype>[;base64],<data>.
func decodeDataURL(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data URL", ErrSymbolication)
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode inline source map: %w", err)
		}
		return data, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decode inline source map: %w", err)
	}
	return []byte(data), nil
}
