package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
)

type greeting struct {
	Name string `json:"name"`
}

func TestEventDecode(t *testing.T) {
	var g greeting
	require.NoError(t, Event{Type: "user.created", Payload: []byte(`{"name":"Ada"}`)}.Decode(&g))
	assert.Equal(t, "Ada", g.Name)

	err := Event{Type: "user.created"}.Decode(&g)
	assert.True(t, errspkg.IsUnprocessable(err))

	err = Event{Type: "user.created", Payload: []byte(`null`)}.Decode(&g)
	assert.True(t, errspkg.IsUnprocessable(err))

	err = Event{Type: "user.created", Payload: []byte(`[]`)}.Decode(&g)
	assert.True(t, errspkg.IsUnprocessable(err))
}

func TestJSONHandlerValueAndPointer(t *testing.T) {
	ev := Event{Type: "user.created", Payload: []byte(`{"name":"Ada"}`)}

	var byValue string
	h := JSON(func(_ context.Context, g greeting, _ Event) error {
		byValue = g.Name
		return nil
	})
	require.NoError(t, h(context.Background(), ev))
	assert.Equal(t, "Ada", byValue)

	var byPointer string
	hp := JSON(func(_ context.Context, g *greeting, _ Event) error {
		require.NotNil(t, g)
		byPointer = g.Name
		return nil
	})
	require.NoError(t, hp(context.Background(), ev))
	assert.Equal(t, "Ada", byPointer)
}

func TestJSONHandlerPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	h := JSON(func(context.Context, greeting, Event) error { return boom })
	assert.ErrorIs(t, h(context.Background(), Event{Payload: []byte(`{}`)}), boom)

	called := false
	h = JSON(func(context.Context, greeting, Event) error { called = true; return nil })
	err := h(context.Background(), Event{Payload: []byte(`"nope"`)})
	assert.True(t, errspkg.IsUnprocessable(err))
	assert.False(t, called)
}
