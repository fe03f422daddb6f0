package notify

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/offline"
)

func TestLogMessenger_DeliversOncePerID(t *testing.T) {
	// GIVEN: a messenger logging to a buffer
	var buf bytes.Buffer
	m := NewLogMessenger(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()
	msg := offline.Message{ID: "act-1", ObligationID: "p1", To: "tenant-4b", Body: "Rent received"}

	// WHEN: the same message is sent twice, as a replayed action would
	require.NoError(t, m.Send(ctx, msg))
	require.NoError(t, m.Send(ctx, msg))
	require.NoError(t, m.Send(ctx, offline.Message{ID: "act-2", To: "tenant-4b", Body: "Reminder"}))

	// THEN: each ID is logged exactly once
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"act-1"`)
	assert.Contains(t, lines[0], `"body":"Rent received"`)
	assert.Contains(t, lines[1], `"id":"act-2"`)
}
