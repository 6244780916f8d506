// Package validate enforces size and shape limits on inbound event payloads.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// ErrValidation is wrapped by every *Error returned from Validate.
var ErrValidation = errors.New("payload validation failed")

// Error identifies the field and limit a payload violated.
type Error struct {
	Field  string
	Limit  int
	Actual int
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: length %d exceeds limit %d", e.Field, e.Actual, e.Limit)
}

func (e *Error) Unwrap() error { return ErrValidation }

// Fields reported in Error.Field.
const (
	FieldEvent      = "event"
	FieldMessage    = "message"
	FieldStack      = "stack"
	FieldStackFrame = "stack.frames"
	FieldUserAgent  = "user_agent"
	FieldURI        = "uri"
)

// Validator checks payloads against configured limits. It is safe for concurrent use.
type Validator struct {
	limits config.LimitsConfig
}

// New creates a Validator.
func New(limits config.LimitsConfig) *Validator {
	return &Validator{limits: limits}
}

// Validate decodes and checks a raw payload, returning a normalized copy.
// Checks run in a fixed order and stop at the first violation: total size,
// message presence, stack characters, frame count, user agent, URI, message length.
// userAgent is the transport-level agent; it wins over any value in the body.
//
// Frame overflow is truncated by default: frames are ordered innermost first and
// the first MaxStackFrames are kept, dropping the outermost overflow. With the
// reject policy the payload is refused instead.
func (v *Validator) Validate(raw []byte, userAgent string) (*models.EventPayload, error) {
	if len(raw) > v.limits.MaxEventBytes {
		return nil, &Error{Field: FieldEvent, Limit: v.limits.MaxEventBytes, Actual: len(raw)}
	}

	var p models.EventPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return nil, &Error{Field: FieldEvent, Reason: "malformed JSON"}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &Error{Field: FieldEvent, Reason: "trailing data after JSON object"}
	}

	if strings.TrimSpace(p.Message) == "" {
		return nil, &Error{Field: FieldMessage, Reason: "message is required"}
	}

	if n := stackChars(p.Stack); v.limits.MaxStackChars > 0 && n > v.limits.MaxStackChars {
		return nil, &Error{Field: FieldStack, Limit: v.limits.MaxStackChars, Actual: n}
	}

	if len(p.Stack) > v.limits.MaxStackFrames {
		if v.limits.StackFramesPolicy == config.FramesPolicyReject {
			return nil, &Error{Field: FieldStackFrame, Limit: v.limits.MaxStackFrames, Actual: len(p.Stack)}
		}
		p.Stack = append([]models.Frame(nil), p.Stack[:v.limits.MaxStackFrames]...)
	}

	if userAgent != "" {
		p.UserAgent = userAgent
	}
	if n := utf8.RuneCountInString(p.UserAgent); v.limits.MaxUAChars > 0 && n > v.limits.MaxUAChars {
		return nil, &Error{Field: FieldUserAgent, Limit: v.limits.MaxUAChars, Actual: n}
	}

	if n := utf8.RuneCountInString(p.URI); v.limits.MaxURIChars > 0 && n > v.limits.MaxURIChars {
		return nil, &Error{Field: FieldURI, Limit: v.limits.MaxURIChars, Actual: n}
	}

	if n := utf8.RuneCountInString(p.Message); v.limits.MaxMessageChars > 0 && n > v.limits.MaxMessageChars {
		return nil, &Error{Field: FieldMessage, Limit: v.limits.MaxMessageChars, Actual: n}
	}

	p.Meta = sanitizeMeta(p.Meta, p.ClientType, p.ClientVersion)
	return &p, nil
}

// stackChars is the total character length of every frame's textual parts.
func stackChars(frames []models.Frame) int {
	n := 0
	for _, f := range frames {
		n += utf8.RuneCountInString(f.Function) + utf8.RuneCountInString(f.File)
	}
	return n
}

// sanitizeMeta drops caller-supplied reserved keys and writes the system ones.
func sanitizeMeta(meta map[string]models.MetaValue, clientType, clientVersion string) map[string]models.MetaValue {
	out := make(map[string]models.MetaValue, len(meta)+2)
	for k, val := range meta {
		if strings.HasPrefix(k, models.ReservedMetaPrefix) {
			continue
		}
		out[k] = val
	}
	if clientType != "" {
		out[models.MetaClientType] = models.StringValue(clientType)
	}
	if clientVersion != "" {
		out[models.MetaClientVersion] = models.StringValue(clientVersion)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
