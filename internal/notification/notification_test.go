package notification

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/notifyflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	"github.com/drblury/notifyflow/internal/runtime/logging"
)

type fakeMailer struct {
	sent []UserCreated
	err  error
}

func (f *fakeMailer) SendWelcome(_ context.Context, user UserCreated) error {
	f.sent = append(f.sent, user)
	return f.err
}

func userCreatedHandler(t *testing.T, mailer Mailer) dispatch.HandlerFunc {
	t.Helper()
	reg, err := dispatch.NewRegistry(Routes(mailer)...)
	require.NoError(t, err)
	h, ok := reg.Lookup(TypeUserCreated)
	require.True(t, ok)
	return h
}

func TestUserCreatedSendsWelcome(t *testing.T) {
	mailer := &fakeMailer{}
	h := userCreatedHandler(t, mailer)

	err := h(context.Background(), dispatch.Event{
		Type:    TypeUserCreated,
		Payload: []byte(`{"id":1,"name":"Ada","email":"ada@example.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []UserCreated{{ID: 1, Name: "Ada", Email: "ada@example.com"}}, mailer.sent)
}

func TestUserCreatedRejectsUndecodablePayloads(t *testing.T) {
	mailer := &fakeMailer{}
	h := userCreatedHandler(t, mailer)

	for _, payload := range []string{`"Ada"`, `[1,2]`, ``} {
		err := h(context.Background(), dispatch.Event{Type: TypeUserCreated, Payload: []byte(payload)})
		assert.True(t, errspkg.IsUnprocessable(err), "payload %q", payload)
	}
	assert.Empty(t, mailer.sent)
}

func TestUserCreatedAcceptsPartialPayload(t *testing.T) {
	mailer := &fakeMailer{}
	h := userCreatedHandler(t, mailer)

	err := h(context.Background(), dispatch.Event{
		Type:    TypeUserCreated,
		Payload: []byte(`{"id":1,"email":"ada@example.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []UserCreated{{ID: 1, Email: "ada@example.com"}}, mailer.sent)
}

func TestUserCreatedPropagatesMailerFailure(t *testing.T) {
	boom := errors.New("smtp unavailable")
	h := userCreatedHandler(t, &fakeMailer{err: boom})

	err := h(context.Background(), dispatch.Event{Type: TypeUserCreated, Payload: []byte(`{"name":"Ada"}`)})
	assert.ErrorIs(t, err, boom)
	assert.False(t, errspkg.IsUnprocessable(err))
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	mailer := NewLogMailer(logging.New("info", "json", &buf))

	require.NoError(t, mailer.SendWelcome(context.Background(), UserCreated{ID: 7, Name: "Ada", Email: "ada@example.com"}))
	assert.Contains(t, buf.String(), "Sending welcome email to Ada")
	assert.Contains(t, buf.String(), `"email":"ada@example.com"`)
}
