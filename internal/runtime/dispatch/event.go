package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/notifyflow/internal/runtime/jsoncodec"
)

// Event is the decoded view of a delivery handed to handlers.
type Event struct {
	Type          string
	CorrelationID string
	MessageID     string
	Payload       jsoncodec.RawMessage
	Redelivered   bool
	Metadata      message.Metadata
}

// Decode unmarshals the event payload into v. Failures are reported as
// UnprocessableError so the delivery is never retried for them.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return &errspkg.UnprocessableError{Reason: fmt.Sprintf("%s: empty payload", e.Type)}
	}
	if err := jsoncodec.Unmarshal(e.Payload, v); err != nil {
		return &errspkg.UnprocessableError{Reason: fmt.Sprintf("%s: decode payload", e.Type), Err: err}
	}
	return nil
}

// JSON adapts a typed handler. The payload is decoded into a fresh T before
// fn runs; pointer types are allocated.
func JSON[T any](fn func(ctx context.Context, payload T, ev Event) error) HandlerFunc {
	return func(ctx context.Context, ev Event) error {
		payload := newPayload[T]()
		if err := ev.Decode(payloadTarget(&payload)); err != nil {
			return err
		}
		return fn(ctx, payload, ev)
	}
}

func newPayload[T any]() T {
	var zero T
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface().(T)
	}
	return zero
}

// payloadTarget returns the pointer the codec should decode into: the value
// itself when T is already a pointer.
func payloadTarget[T any](p *T) any {
	v := reflect.ValueOf(*p)
	if v.IsValid() && v.Kind() == reflect.Pointer && !v.IsNil() {
		return *p
	}
	return p
}
