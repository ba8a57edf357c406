package dispatch

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	idspkg "github.com/drblury/notifyflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/notifyflow/internal/runtime/jsoncodec"
)

// Metadata keys carried on every dispatched message.
const (
	MetadataType          = "type"
	MetadataCorrelationID = "correlation_id"
	MetadataRedelivered   = "redelivered"
	MetadataRoutingKey    = "routing_key"
	MetadataContentType   = "content_type"
)

// envelope is the NestJS RMQ wire shape. type/payload are accepted as
// aliases for pattern/data.
type envelope struct {
	Pattern jsoncodec.RawMessage `json:"pattern"`
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	Data    jsoncodec.RawMessage `json:"data"`
	Payload jsoncodec.RawMessage `json:"payload"`
}

// decodeEvent turns a raw delivery into an Event. Malformed bodies yield an
// UnprocessableError, a missing type key a RoutingError.
func decodeEvent(d amqp.Delivery) (Event, error) {
	body := bytes.TrimSpace(d.Body)
	if len(body) == 0 {
		return Event{}, &errspkg.UnprocessableError{Reason: "empty message body"}
	}
	if body[0] != '{' {
		return Event{}, &errspkg.UnprocessableError{Reason: "message body is not a JSON object"}
	}

	var env envelope
	if err := jsoncodec.Unmarshal(body, &env); err != nil {
		return Event{}, &errspkg.UnprocessableError{Reason: "malformed envelope", Err: err}
	}

	typ, err := patternKey(env.Pattern)
	if err != nil {
		return Event{}, err
	}
	typ = firstSet(typ, env.Type, d.Type)
	if typ == "" {
		return Event{}, &errspkg.RoutingError{}
	}

	payload := env.Data
	if isAbsent(payload) {
		payload = env.Payload
	}
	if isAbsent(payload) {
		payload = nil
	}

	correlationID := idspkg.FirstNonEmpty(d.CorrelationId, headerString(d.Headers, MetadataCorrelationID), env.ID)
	messageID := idspkg.FirstNonEmpty(d.MessageId, env.ID)

	md := message.Metadata{}
	for k, v := range d.Headers {
		if s, ok := headerValue(v); ok {
			md.Set(k, s)
		}
	}
	md.Set(MetadataType, typ)
	md.Set(MetadataCorrelationID, correlationID)
	md.Set(MetadataRedelivered, strconv.FormatBool(d.Redelivered))
	if d.RoutingKey != "" {
		md.Set(MetadataRoutingKey, d.RoutingKey)
	}
	if d.ContentType != "" {
		md.Set(MetadataContentType, d.ContentType)
	}

	return Event{
		Type:          typ,
		CorrelationID: correlationID,
		MessageID:     messageID,
		Payload:       payload,
		Redelivered:   d.Redelivered,
		Metadata:      md,
	}, nil
}

// patternKey reads a NestJS pattern. String patterns are used verbatim;
// object patterns ({"cmd": "..."}) are keyed by their compact JSON form.
func patternKey(raw jsoncodec.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if isAbsent(raw) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := jsoncodec.Unmarshal(raw, &s); err != nil {
			return "", &errspkg.UnprocessableError{Reason: "malformed pattern", Err: err}
		}
		return s, nil
	}
	var v any
	if err := jsoncodec.Unmarshal(raw, &v); err != nil {
		return "", &errspkg.UnprocessableError{Reason: "malformed pattern", Err: err}
	}
	compact, err := jsoncodec.Marshal(v)
	if err != nil {
		return "", &errspkg.UnprocessableError{Reason: "malformed pattern", Err: err}
	}
	return string(compact), nil
}

func firstSet(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func isAbsent(raw jsoncodec.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func headerString(headers amqp.Table, key string) string {
	if v, ok := headers[key]; ok {
		if s, ok := headerValue(v); ok {
			return s
		}
	}
	return ""
}

func headerValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case nil:
		return "", false
	case amqp.Table, []any:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}
