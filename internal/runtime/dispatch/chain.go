package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	idspkg "github.com/drblury/notifyflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/notifyflow/internal/runtime/logging"
)

// newMessage carries an Event through the watermill handler chain.
func newMessage(ctx context.Context, ev Event) *message.Message {
	msg := message.NewMessage(ev.MessageID, message.Payload(ev.Payload))
	if ev.Metadata != nil {
		msg.Metadata = ev.Metadata
	}
	msg.Metadata.Set(MetadataType, ev.Type)
	msg.Metadata.Set(MetadataRedelivered, strconv.FormatBool(ev.Redelivered))
	if ev.CorrelationID != "" {
		middleware.SetCorrelationID(ev.CorrelationID, msg)
	}
	msg.SetContext(ctx)
	return msg
}

func eventFromMessage(msg *message.Message) Event {
	redelivered, _ := strconv.ParseBool(msg.Metadata.Get(MetadataRedelivered))
	return Event{
		Type:          msg.Metadata.Get(MetadataType),
		CorrelationID: middleware.MessageCorrelationID(msg),
		MessageID:     msg.UUID,
		Payload:       []byte(msg.Payload),
		Redelivered:   redelivered,
		Metadata:      msg.Metadata,
	}
}

// handlerFunc adapts a HandlerFunc to the watermill handler signature. Handlers
// never publish, so the produced message slice is always nil.
func handlerFunc(h HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		return nil, h(msg.Context(), eventFromMessage(msg))
	}
}

// buildChain wraps h with mws, the first middleware being the outermost.
func buildChain(h HandlerFunc, mws ...message.HandlerMiddleware) message.HandlerFunc {
	wrapped := handlerFunc(h)
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// defaultMiddlewares returns the per-handler chain: tracing, correlation,
// logging, an optional timeout, and panic recovery closest to the handler.
func (d *Dispatcher) defaultMiddlewares() []message.HandlerMiddleware {
	mws := []message.HandlerMiddleware{
		tracerMiddleware(d.tracer),
		correlationIDMiddleware(),
		logMessagesMiddleware(d.logger),
	}
	if timeout := d.conf.Dispatch.HandlerTimeout; timeout > 0 {
		mws = append(mws, middleware.Timeout(timeout))
	}
	return append(mws, middleware.Recoverer)
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			typ := msg.Metadata.Get(MetadataType)
			ctx, span := tracer.Start(msg.Context(), "dispatch "+typ,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("messaging.message.type", typ),
					attribute.String("messaging.message.correlation_id", middleware.MessageCorrelationID(msg)),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return produced, err
		}
	}
}

func correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if middleware.MessageCorrelationID(msg) == "" {
				middleware.SetCorrelationID(idspkg.New(), msg)
			}
			return h(msg)
		}
	}
}

// logMessagesMiddleware logs every invocation and turns handler failures into
// HandlerError values carrying the type and correlation ID.
func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			fields := loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"type":           msg.Metadata.Get(MetadataType),
				"correlation_id": middleware.MessageCorrelationID(msg),
				"redelivered":    msg.Metadata.Get(MetadataRedelivered),
			}
			logger.Debug("Processing message", fields)

			start := time.Now()
			produced, err := h(msg)
			fields["duration"] = time.Since(start).String()
			if err != nil {
				herr := &errspkg.HandlerError{
					Type:          msg.Metadata.Get(MetadataType),
					CorrelationID: middleware.MessageCorrelationID(msg),
					Err:           err,
				}
				logger.Error("Message handler failed", herr, fields)
				return produced, herr
			}
			logger.Debug("Message handled", fields)
			return produced, nil
		}
	}
}
