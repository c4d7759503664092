package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSEEvents(t *testing.T) {
	body := "event: message\ndata: {\"status\":\"thinking\"}\n\n" +
		": heartbeat comment\n" +
		"data: bare line\n\n" +
		"event: end\ndata: {}\n\n"

	events := ParseSSEEvents(t, body)
	require.Len(t, events, 3)

	assert.Equal(t, "message", events[0].Type)
	assert.Equal(t, `{"status":"thinking"}`, events[0].Data)

	// data without an event line defaults to "message".
	assert.Equal(t, "message", events[1].Type)
	assert.Equal(t, "bare line", events[1].Data)

	assert.Equal(t, "end", events[2].Type)
	assert.Equal(t, "{}", events[2].Data)
}

func TestParseSSEEvents_MultiLineData(t *testing.T) {
	body := "event: message\ndata: first\ndata: second\n\n"

	events := ParseSSEEvents(t, body)
	require.Len(t, events, 1)
	assert.Equal(t, "first\nsecond", events[0].Data)
}

func TestParseSSEEvents_Empty(t *testing.T) {
	assert.Empty(t, ParseSSEEvents(t, ""))
}
