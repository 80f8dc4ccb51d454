package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	routingKey string
	event      any
	err        error
}

func (p *capturePublisher) Publish(ctx context.Context, routingKey string, event any) error {
	p.routingKey = routingKey
	p.event = event
	return p.err
}

func TestEmitBuildsEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	emitter := NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test", nil)
	user := "7"

	emitter.EmitFields(context.Background(), "INFO", "conversation deleted", "req-1", &user, map[string]any{"conversation_id": int64(3)})

	assert.Equal(t, "audit.messaging", pub.routingKey)
	envelope, ok := pub.event.(AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "messaging-service", envelope.Service)
	assert.Equal(t, "req-1", envelope.RequestID)
	assert.Equal(t, &user, envelope.UserID)
	assert.Equal(t, int64(3), envelope.Payload.Fields["conversation_id"])
}

func TestEmitToleratesFailuresAndNil(t *testing.T) {
	pub := &capturePublisher{err: errors.New("down")}
	emitter := NewAuditEmitter(pub, "audit.messaging", "svc", "test", nil)
	emitter.Emit(context.Background(), "WARN", "x", "", nil)
	assert.NotNil(t, pub.event)

	var nilEmitter *AuditEmitter
	assert.NotPanics(t, func() { nilEmitter.Emit(context.Background(), "INFO", "x", "", nil) })
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "svc", "test", "", slogDiscard())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
