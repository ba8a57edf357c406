package dispatch

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
)

func TestDecodeEventNestEnvelope(t *testing.T) {
	ev, err := decodeEvent(amqp.Delivery{
		Body:          []byte(`{"pattern":"user.created","data":{"id":"1","name":"Ada"}}`),
		CorrelationId: "corr-1",
		MessageId:     "msg-1",
		Redelivered:   true,
		RoutingKey:    "notification-service",
		Headers:       amqp.Table{"x-retry": int32(2), "nested": amqp.Table{"a": 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, "user.created", ev.Type)
	assert.Equal(t, "corr-1", ev.CorrelationID)
	assert.Equal(t, "msg-1", ev.MessageID)
	assert.True(t, ev.Redelivered)
	assert.JSONEq(t, `{"id":"1","name":"Ada"}`, string(ev.Payload))
	assert.Equal(t, "2", ev.Metadata.Get("x-retry"))
	assert.Empty(t, ev.Metadata.Get("nested"))
	assert.Equal(t, "true", ev.Metadata.Get(MetadataRedelivered))
	assert.Equal(t, "notification-service", ev.Metadata.Get(MetadataRoutingKey))
}

func TestDecodeEventAliases(t *testing.T) {
	ev, err := decodeEvent(amqp.Delivery{
		Body:    []byte(`{"type":"user.created","id":"env-id","payload":{"name":"Ada"}}`),
		Headers: amqp.Table{},
	})
	require.NoError(t, err)
	assert.Equal(t, "user.created", ev.Type)
	assert.Equal(t, "env-id", ev.CorrelationID)
	assert.Equal(t, "env-id", ev.MessageID)
	assert.JSONEq(t, `{"name":"Ada"}`, string(ev.Payload))
}

func TestDecodeEventFallsBackToTypeProperty(t *testing.T) {
	ev, err := decodeEvent(amqp.Delivery{
		Type: "user.created",
		Body: []byte(`{"data":{"name":"Ada"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "user.created", ev.Type)
	assert.Len(t, ev.CorrelationID, 26)
}

func TestDecodeEventCorrelationFromHeader(t *testing.T) {
	ev, err := decodeEvent(amqp.Delivery{
		Body:    []byte(`{"pattern":"user.created","id":"env-id","data":{}}`),
		Headers: amqp.Table{"correlation_id": "hdr-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hdr-1", ev.CorrelationID)
}

func TestDecodeEventObjectPattern(t *testing.T) {
	ev, err := decodeEvent(amqp.Delivery{Body: []byte(`{"pattern":{"cmd":"notify"},"data":{}}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"cmd":"notify"}`, ev.Type)
}

func TestDecodeEventFailures(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"whitespace":  "   ",
		"not json":    "hello",
		"array":       `[1,2,3]`,
		"truncated":   `{"pattern":"user.created"`,
		"bad pattern": `{"pattern":"user.created\x","data":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent(amqp.Delivery{Body: []byte(body)})
			require.Error(t, err)
			assert.True(t, errspkg.IsUnprocessable(err))
		})
	}

	_, err := decodeEvent(amqp.Delivery{Body: []byte(`{"data":{}}`)})
	var routeErr *errspkg.RoutingError
	assert.ErrorAs(t, err, &routeErr)
}
