package validate_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/bugtrap/internal/config"
	"github.com/kiranshivaraju/bugtrap/internal/validate"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MaxEventBytes:     4096,
		MaxStackChars:     500,
		MaxStackFrames:    3,
		StackFramesPolicy: config.FramesPolicyTruncate,
		MaxUAChars:        64,
		MaxURIChars:       64,
		MaxMessageChars:   200,
	}
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func frames(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"function": "fn" + string(rune('a'+i)), "file": "app.min.js", "line": 1, "column": i + 1}
	}
	return out
}

func requireValidationErr(t *testing.T, err error, field string) *validate.Error {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, validate.ErrValidation))
	var verr *validate.Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, field, verr.Field)
	return verr
}

func TestValidate_AcceptsWithinLimits(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{
		"type":    1,
		"name":    "TypeError",
		"message": "x is undefined",
		"stack":   frames(2),
		"uri":     "https://example.com/app",
		"meta":    map[string]any{"release": "1.2.3", "count": 3, "flag": true, "nested": map[string]any{"a": nil}},
	})

	p, err := v.Validate(raw, "")
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeUnhandledError, p.Type)
	assert.Equal(t, "TypeError", p.Name)
	assert.Equal(t, "x is undefined", p.Message)
	assert.Len(t, p.Stack, 2)
	assert.Equal(t, "https://example.com/app", p.URI)
	assert.Equal(t, models.StringValue("1.2.3"), p.Meta["release"])
	assert.Equal(t, models.MetaNumber, p.Meta["count"].Kind)
	assert.Equal(t, models.MetaObject, p.Meta["nested"].Kind)
}

func TestValidate_StripsReservedMeta(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{
		"message":        "boom",
		"client_type":    "browser",
		"client_version": "2.0.0",
		"meta": map[string]any{
			"$client.type":    "forged",
			"$client.version": "9.9.9",
			"$anything":       "x",
			"user":            "alice",
		},
	})

	p, err := v.Validate(raw, "")
	require.NoError(t, err)
	assert.Equal(t, models.StringValue("browser"), p.Meta[models.MetaClientType])
	assert.Equal(t, models.StringValue("2.0.0"), p.Meta[models.MetaClientVersion])
	assert.NotContains(t, p.Meta, "$anything")
	assert.Equal(t, models.StringValue("alice"), p.Meta["user"])
}

func TestValidate_ReservedMetaDroppedWithoutClientInfo(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{"message": "boom", "meta": map[string]any{"$client.type": "forged"}})

	p, err := v.Validate(raw, "")
	require.NoError(t, err)
	assert.Nil(t, p.Meta)
}

func TestValidate_EventTooLarge(t *testing.T) {
	limits := testLimits()
	limits.MaxEventBytes = 32
	v := validate.New(limits)

	raw := encode(t, map[string]any{"message": strings.Repeat("x", 64)})
	verr := requireValidationErr(t, mustFail(v.Validate(raw, "")), validate.FieldEvent)
	assert.Equal(t, 32, verr.Limit)
	assert.Equal(t, len(raw), verr.Actual)
}

func TestValidate_MalformedJSON(t *testing.T) {
	v := validate.New(testLimits())
	requireValidationErr(t, mustFail(v.Validate([]byte(`{"message":`), "")), validate.FieldEvent)
}

func TestValidate_TrailingDataRejected(t *testing.T) {
	v := validate.New(testLimits())
	for _, raw := range []string{
		`{"type":1,"message":"boom"} this is not json`,
		`{"type":1,"message":"boom"}{"type":1,"message":"again"}`,
		`{"type":1,"message":"boom"}]`,
	} {
		requireValidationErr(t, mustFail(v.Validate([]byte(raw), "")), validate.FieldEvent)
	}

	p, err := v.Validate([]byte("{\"type\":1,\"message\":\"boom\"}\n  \n"), "")
	require.NoError(t, err, "trailing whitespace is fine")
	assert.Equal(t, "boom", p.Message)
}

func TestValidate_MissingMessage(t *testing.T) {
	v := validate.New(testLimits())
	requireValidationErr(t, mustFail(v.Validate([]byte(`{"type":1,"message":"  "}`), "")), validate.FieldMessage)
}

func TestValidate_StackCharsExceeded(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{
		"message": "boom",
		"stack":   []map[string]any{{"function": strings.Repeat("f", 400), "file": strings.Repeat("a", 200)}},
	})
	requireValidationErr(t, mustFail(v.Validate(raw, "")), validate.FieldStack)
}

func TestValidate_FramesTruncatedFromInnermost(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{"message": "boom", "stack": frames(5)})

	p, err := v.Validate(raw, "")
	require.NoError(t, err)
	require.Len(t, p.Stack, 3)
	assert.Equal(t, "fna", p.Stack[0].Function)
	assert.Equal(t, "fnc", p.Stack[2].Function)

	again, err := v.Validate(raw, "")
	require.NoError(t, err)
	assert.Equal(t, p.Stack, again.Stack)
}

func TestValidate_FramesRejectedUnderRejectPolicy(t *testing.T) {
	limits := testLimits()
	limits.StackFramesPolicy = config.FramesPolicyReject
	v := validate.New(limits)

	raw := encode(t, map[string]any{"message": "boom", "stack": frames(5)})
	verr := requireValidationErr(t, mustFail(v.Validate(raw, "")), validate.FieldStackFrame)
	assert.Equal(t, 3, verr.Limit)
	assert.Equal(t, 5, verr.Actual)

	ok := encode(t, map[string]any{"message": "boom", "stack": frames(3)})
	_, err := v.Validate(ok, "")
	assert.NoError(t, err)
}

func TestValidate_UserAgentTooLong(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{"message": "boom"})
	requireValidationErr(t, mustFail(v.Validate(raw, strings.Repeat("u", 65))), validate.FieldUserAgent)
}

func TestValidate_HeaderUserAgentWins(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{"message": "boom", "user_agent": "body-agent"})

	p, err := v.Validate(raw, "Mozilla/5.0")
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0", p.UserAgent)
}

func TestValidate_URITooLong(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{"message": "boom", "uri": "https://example.com/" + strings.Repeat("p", 80)})
	requireValidationErr(t, mustFail(v.Validate(raw, "")), validate.FieldURI)
}

func TestValidate_MessageTooLong(t *testing.T) {
	v := validate.New(testLimits())
	raw := encode(t, map[string]any{"message": strings.Repeat("m", 201)})
	requireValidationErr(t, mustFail(v.Validate(raw, "")), validate.FieldMessage)
}

func TestValidate_ShortCircuitsInOrder(t *testing.T) {
	v := validate.New(testLimits())
	// Both the frame count and the URI are over; the stack check comes first.
	limits := testLimits()
	limits.StackFramesPolicy = config.FramesPolicyReject
	v = validate.New(limits)
	raw := encode(t, map[string]any{
		"message": "boom",
		"stack":   frames(5),
		"uri":     strings.Repeat("u", 100),
	})
	requireValidationErr(t, mustFail(v.Validate(raw, "")), validate.FieldStackFrame)
}

func TestValidate_UnknownTypeFallsBack(t *testing.T) {
	v := validate.New(testLimits())

	p, err := v.Validate([]byte(`{"type":999,"message":"boom"}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeUnknown, p.Type)
	require.NotNil(t, p.RawType, "the client's discriminant is kept")
	assert.Equal(t, 999, *p.RawType)
	assert.Equal(t, 999, p.TypeCode())

	p, err = v.Validate([]byte(`{"type":"nel_report","message":"boom"}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeNELReport, p.Type)

	p, err = v.Validate([]byte(`{"type":3,"raw_type":77,"message":"boom"}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeConsoleError, p.Type)
	assert.Nil(t, p.RawType, "raw_type is ignored for a known type")
}

func mustFail(_ *models.EventPayload, err error) error {
	return err
}
