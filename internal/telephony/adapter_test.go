package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startMessage(streamSid string, params map[string]string) []byte {
	msg, _ := json.Marshal(Message{
		Event:     EventStart,
		StreamSid: streamSid,
		Start: &StartPayload{
			CallSid:          "CA123",
			StreamSid:        streamSid,
			CustomParameters: params,
		},
	})
	return msg
}

func mediaMessage(seq int, payload []byte) []byte {
	msg, _ := json.Marshal(Message{
		Event:          EventMedia,
		SequenceNumber: fmt.Sprint(seq),
		StreamSid:      "MZ1",
		Media: &MediaPayload{
			Track:     TrackInbound,
			Timestamp: fmt.Sprint(seq * 20),
			Payload:   base64.StdEncoding.EncodeToString(payload),
		},
	})
	return msg
}

func TestParseMessage_Start(t *testing.T) {
	ev, err := ParseMessage(startMessage("MZ1", map[string]string{ParamCallerNumber: "+15551234567"}))
	require.NoError(t, err)
	require.Equal(t, EventStart, ev.Type)
	require.NotNil(t, ev.Start)
	assert.Equal(t, "CA123", ev.Start.CallID)
	assert.Equal(t, "MZ1", ev.Start.StreamID)
	assert.Equal(t, "+15551234567", ev.Start.CustomParameters[ParamCallerNumber])
}

func TestParseMessage_StartWithoutParameters(t *testing.T) {
	ev, err := ParseMessage([]byte(`{"event":"start","streamSid":"MZ9","start":{"callSid":"CA9"}}`))
	require.NoError(t, err)
	assert.NotNil(t, ev.Start.CustomParameters)
	assert.Empty(t, ev.Start.CustomParameters)
}

func TestParseMessage_Media(t *testing.T) {
	ev, err := ParseMessage(mediaMessage(7, []byte{0xFF, 0x7F, 0x00}))
	require.NoError(t, err)
	require.True(t, ev.IsMedia())
	assert.Equal(t, []byte{0xFF, 0x7F, 0x00}, ev.Media.Payload)
	assert.Equal(t, int64(7), ev.Media.Sequence)
	assert.Equal(t, int64(140), ev.Media.TimestampMs)
	assert.Equal(t, TrackInbound, ev.Media.Track)
}

func TestParseMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"start without payload", `{"event":"start"}`},
		{"start without stream", `{"event":"start","start":{"callSid":"CA1"}}`},
		{"media without payload", `{"event":"media"}`},
		{"bad base64", `{"event":"media","media":{"payload":"%%%"}}`},
		{"unknown event", `{"event":"bogus"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.raw))
			assert.Error(t, err)
		})
	}

	_, err := ParseMessage([]byte(`{"event":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestAdapter_PreservesOrder(t *testing.T) {
	a := NewAdapter(10, zaptest.NewLogger(t))
	require.NoError(t, a.Push(startMessage("MZ1", nil)))
	for i := 1; i <= 5; i++ {
		require.NoError(t, a.Push(mediaMessage(i, []byte{byte(i)})))
	}
	require.NoError(t, a.Push([]byte(`{"event":"stop","streamSid":"MZ1"}`)))

	select {
	case <-a.Ready():
	default:
		t.Fatal("expected ready signal")
	}

	events := a.Drain()
	require.Len(t, events, 7)
	assert.Equal(t, EventStart, events[0].Type)
	for i := 1; i <= 5; i++ {
		assert.Equal(t, int64(i), events[i].Media.Sequence)
	}
	assert.Equal(t, EventStop, events[6].Type)
	assert.Equal(t, "MZ1", a.StreamID())
	assert.Nil(t, a.Drain())
}

func TestAdapter_DropsOldestMediaOnOverflow(t *testing.T) {
	a := NewAdapter(4, zaptest.NewLogger(t))
	require.NoError(t, a.Push(startMessage("MZ1", nil)))
	for i := 1; i <= 6; i++ {
		require.NoError(t, a.Push(mediaMessage(i, []byte{byte(i)})))
	}

	events := a.Drain()
	require.Len(t, events, 4)
	assert.Equal(t, EventStart, events[0].Type, "start must never be dropped")
	assert.Equal(t, int64(4), events[1].Media.Sequence)
	assert.Equal(t, int64(5), events[2].Media.Sequence)
	assert.Equal(t, int64(6), events[3].Media.Sequence)
	assert.Equal(t, int64(3), a.Dropped())
}

func TestAdapter_StopNeverDropped(t *testing.T) {
	a := NewAdapter(2, zaptest.NewLogger(t))
	require.NoError(t, a.Push(mediaMessage(1, []byte{1})))
	require.NoError(t, a.Push(mediaMessage(2, []byte{2})))
	require.NoError(t, a.Push([]byte(`{"event":"stop"}`)))

	events := a.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventStop, events[len(events)-1].Type)

	// events after stop are ignored
	require.NoError(t, a.Push(mediaMessage(3, []byte{3})))
	assert.Nil(t, a.Drain())
}

func TestAdapter_IgnoresConnectedAndForwardsMarks(t *testing.T) {
	a := NewAdapter(4, zaptest.NewLogger(t))
	require.NoError(t, a.Push([]byte(`{"event":"connected"}`)))
	require.NoError(t, a.Push([]byte(`{"event":"mark"}`)))
	assert.Nil(t, a.Drain())

	require.NoError(t, a.Push([]byte(`{"event":"mark","mark":{"name":"resp_1"}}`)))
	events := a.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventMark, events[0].Type)
	assert.Equal(t, "resp_1", events[0].Mark)
}

func TestAdapter_OutboundMessages(t *testing.T) {
	a := NewAdapter(4, zaptest.NewLogger(t))
	require.NoError(t, a.Push(startMessage("MZ42", nil)))

	for i := 1; i <= 3; i++ {
		raw, err := a.MediaMessage([]byte{0xFF, 0xFE})
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, EventMedia, msg.Event)
		assert.Equal(t, "MZ42", msg.StreamSid)
		assert.Equal(t, fmt.Sprint(i), msg.SequenceNumber)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFE}), msg.Media.Payload)
	}

	raw, err := a.ClearMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ42"}`, string(raw))

	raw, err = a.MarkMessage("turn-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"mark","streamSid":"MZ42","mark":{"name":"turn-1"}}`, string(raw))
}
