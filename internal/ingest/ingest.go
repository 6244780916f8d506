// Package ingest runs the per-event pipeline: validate, symbolicate,
// fingerprint, then fold into an issue.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/bugtrap/internal/telemetry"
	"github.com/kiranshivaraju/bugtrap/pkg/models"
)

// Validator decodes and checks a raw payload.
type Validator interface {
	Validate(raw []byte, userAgent string) (*models.EventPayload, error)
}

// Symbolicator rewrites frames through source maps. It never fails.
type Symbolicator interface {
	Symbolicate(ctx context.Context, frames []models.Frame) []models.Frame
}

// Fingerprinter derives the dedup key for a payload.
type Fingerprinter interface {
	Fingerprint(p *models.EventPayload) models.Fingerprint
}

// Recorder folds an event into its issue.
type Recorder interface {
	Record(ctx context.Context, ev *models.Event) (*models.Issue, error)
}

// Service wires the pipeline stages together.
type Service struct {
	validator    Validator
	symbolicator Symbolicator
	fingerprints Fingerprinter
	recorder     Recorder
	symTimeout   time.Duration
	now          func() time.Time
	tracer       trace.Tracer
}

// New creates a Service. symTimeout bounds the symbolication step; zero
// means the request context alone bounds it.
func New(v Validator, s Symbolicator, f Fingerprinter, r Recorder, symTimeout time.Duration) *Service {
	return &Service{
		validator:    v,
		symbolicator: s,
		fingerprints: f,
		recorder:     r,
		symTimeout:   symTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		tracer:       telemetry.Tracer(),
	}
}

// Ingest accepts one raw event. Validation failures are returned as
// *validate.Error; persistence failures as *dedup.StorageError.
func (s *Service) Ingest(ctx context.Context, raw []byte, userAgent string) (*models.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.event")
	defer span.End()

	payload, err := s.validator.Validate(raw, userAgent)
	if err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event.type", payload.Type.String()),
		attribute.Int("event.frames", len(payload.Stack)),
	)

	if len(payload.Stack) > 0 {
		payload.Stack = s.symbolicate(ctx, payload.Stack)
	}

	ev := &models.Event{
		ID:          uuid.New(),
		Fingerprint: s.fingerprints.Fingerprint(payload),
		ReceivedAt:  s.now(),
		Payload:     *payload,
	}
	span.SetAttributes(attribute.String("event.fingerprint", ev.Fingerprint.String()))

	issue, err := s.recorder.Record(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("issue.event_count", issue.EventCount))
	return issue, nil
}

func (s *Service) symbolicate(ctx context.Context, frames []models.Frame) []models.Frame {
	ctx, span := s.tracer.Start(ctx, "ingest.symbolicate")
	defer span.End()

	if s.symTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.symTimeout)
		defer cancel()
	}
	out := s.symbolicator.Symbolicate(ctx, frames)

	resolved := 0
	for _, f := range out {
		if f.Resolved {
			resolved++
		}
	}
	span.SetAttributes(attribute.Int("frames.resolved", resolved))
	return out
}
