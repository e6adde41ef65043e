package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBackplaneQueueDropsWhenFull(t *testing.T) {
	b := NewRedisBackplane(nil, "tai:room:", 2)

	for i := 0; i < 5; i++ {
		b.Publish(&BackplaneEvent{Kind: EventJoined, RoomID: "r", PeerID: "p"})
	}
	assert.Len(t, b.out, 2)
	assert.Equal(t, "tai:room:r", b.channel("r"))
}

func TestBackplaneEventSurvivesJSON(t *testing.T) {
	frame := []byte(`{"jsonrpc":"2.0","method":"relay_message","params":{}}`)
	ev := &BackplaneEvent{Kind: EventRelay, Origin: "o", RoomID: "r", PeerID: "a", Target: "b", Frame: frame}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got BackplaneEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, *ev, got)
}
