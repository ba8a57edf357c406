// Package notification holds the business handlers of the notification
// service.
package notification

import (
	"context"

	"github.com/drblury/notifyflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/notifyflow/internal/runtime/logging"
)

// TypeUserCreated is emitted by the user service after a signup.
const TypeUserCreated = "user.created"

// UserCreated is the payload of a user.created event.
type UserCreated struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Mailer sends outbound email.
type Mailer interface {
	SendWelcome(ctx context.Context, user UserCreated) error
}

// LogMailer only logs the email it would send.
type LogMailer struct {
	Logger loggingpkg.ServiceLogger
}

func NewLogMailer(log loggingpkg.ServiceLogger) *LogMailer {
	return &LogMailer{Logger: log.With(loggingpkg.LogFields{"component": "mailer"})}
}

func (m *LogMailer) SendWelcome(_ context.Context, user UserCreated) error {
	m.Logger.Info("Sending welcome email to "+user.Name, loggingpkg.LogFields{
		"user_id": user.ID,
		"email":   user.Email,
	})
	return nil
}

// Routes returns the dispatch routes served by this package.
func Routes(mailer Mailer) []dispatch.Route {
	return []dispatch.Route{
		{Type: TypeUserCreated, Handler: dispatch.JSON(handleUserCreated(mailer))},
	}
}

func handleUserCreated(mailer Mailer) func(context.Context, UserCreated, dispatch.Event) error {
	return func(ctx context.Context, user UserCreated, _ dispatch.Event) error {
		return mailer.SendWelcome(ctx, user)
	}
}
