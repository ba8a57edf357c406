package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
)

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRequeueOnce, p)

	for _, name := range []string{"requeue-once", "requeue", "reject", "ack"} {
		p, err := ParseFailurePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, FailurePolicy(name), p)
	}

	_, err = ParseFailurePolicy("retry-forever")
	assert.Error(t, err)
}

func TestFailurePolicyDecide(t *testing.T) {
	transient := &errspkg.HandlerError{Type: "user.created", Err: errors.New("smtp down")}
	unprocessable := fmt.Errorf("wrapped: %w", &errspkg.UnprocessableError{Reason: "bad payload"})
	unrouted := &errspkg.RoutingError{Type: "unknown.event"}

	cases := []struct {
		name        string
		policy      FailurePolicy
		err         error
		redelivered bool
		deadLetter  bool
		want        Action
	}{
		{"success acks", PolicyRequeueOnce, nil, false, false, ActionAck},
		{"first failure requeues", PolicyRequeueOnce, transient, false, false, ActionRequeue},
		{"redelivered without dlx acks", PolicyRequeueOnce, transient, true, false, ActionAck},
		{"redelivered with dlx rejects", PolicyRequeueOnce, transient, true, true, ActionReject},
		{"first failure of a redelivery caused by a dropped connection is not requeued", PolicyRequeueOnce, transient, true, false, ActionAck},
		{"unprocessable skips requeue", PolicyRequeueOnce, unprocessable, false, true, ActionReject},
		{"unprocessable without dlx acks", PolicyRequeueOnce, unprocessable, false, false, ActionAck},
		{"routing always rejects", PolicyAck, unrouted, false, false, ActionReject},
		{"requeue policy", PolicyRequeue, transient, true, true, ActionRequeue},
		{"requeue policy rejects unprocessable", PolicyRequeue, unprocessable, false, false, ActionReject},
		{"reject policy", PolicyReject, transient, false, false, ActionReject},
		{"ack policy", PolicyAck, transient, false, true, ActionAck},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.Decide(tc.err, tc.redelivered, tc.deadLetter))
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "ack", ActionAck.String())
	assert.Equal(t, "requeue", ActionRequeue.String())
	assert.Equal(t, "reject", ActionReject.String())
	assert.Equal(t, "unknown", Action(9).String())
}
