package bridge

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxbridge/adapters/business"
	"github.com/satriahrh/voxbridge/adapters/codec"
	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
	"github.com/satriahrh/voxbridge/internal/tools"
)

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestHub_TracksSessions(t *testing.T) {
	hub, _ := runHub(t)
	h := newHarness(t, func(d *Deps, o *Options) { d.Hub = hub })
	h.activate()

	require.Eventually(t, func() bool { return len(hub.Sessions()) == 1 }, waitFor, tick)
	info := hub.Sessions()[0]
	assert.Equal(t, "+15551234567", info.CallerNumber)
	assert.Equal(t, entities.CallStateActive, info.State)

	_, ok := hub.Lookup(info.ID)
	assert.True(t, ok)
	assert.ErrorIs(t, hub.UpdateConfig(context.Background(), "missing", entities.SessionConfig{}), ErrSessionNotFound)
	assert.ErrorIs(t, hub.Stop("missing"), ErrSessionNotFound)

	require.NoError(t, hub.Stop(info.ID))
	require.NoError(t, h.result())
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 0 }, waitFor, tick)
}

func TestHub_ShutdownStopsSessions(t *testing.T) {
	hub, cancel := runHub(t)
	h := newHarness(t, func(d *Deps, o *Options) { d.Hub = hub })
	h.activate()
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 1 }, waitFor, tick)

	cancel()
	require.NoError(t, h.result())
	assert.True(t, h.sink.IsClosed())
}

func TestSweeper_EndsLongCalls(t *testing.T) {
	hub, _ := runHub(t)
	h := newHarness(t, func(d *Deps, o *Options) { d.Hub = hub })
	h.activate()
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 1 }, waitFor, tick)

	sweeper := NewSweeper(hub, time.Hour, time.Minute, zaptest.NewLogger(t))
	assert.Equal(t, 0, sweeper.Sweep())

	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, sweeper.Sweep())
	require.NoError(t, h.result())
}

func newMediaHandler(t *testing.T, baseCtx context.Context, hub *Hub, transcripts repositories.TranscriptRepository) (*Handler, *fakeDialer) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := business.NewMemoryStore()
	store.AddBusiness(business.Business{
		ID:       "biz-1",
		Profiles: map[string]repositories.AgentProfile{"": {}},
	})
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBusinessTools(registry, store))
	dispatcher := tools.NewDispatcher(registry, logger)
	g711, err := codec.NewG711Codec(24000)
	require.NoError(t, err)
	dialer := newFakeDialer()

	handler := NewHandler(baseCtx, hub, Deps{
		Resolver: &ConfigResolver{
			Profiles: store,
			Defaults: entities.SessionConfig{Voice: "alloy", TurnDetection: entities.TurnDetectionNone},
			Tools:    dispatcher.Manifest(),
		},
		Dialer:      dialer,
		Codec:       g711,
		Tools:       dispatcher,
		Transcripts: transcripts,
	}, testOptions(), 0, logger)
	return handler, dialer
}

func TestHandler_WaitCoversTranscriptFlush(t *testing.T) {
	hub, _ := runHub(t)
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transcripts := &memoryTranscripts{delay: 150 * time.Millisecond}
	handler, dialer := newMediaHandler(t, baseCtx, hub, transcripts)

	e := echo.New()
	e.GET("/media-stream", handler.HandleMediaStream)
	server := httptest.NewServer(e)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ7",
		"start": map[string]interface{}{
			"streamSid":        "MZ7",
			"callSid":          "CA7",
			"customParameters": map[string]string{"businessId": "biz-1"},
		},
	}))
	dialer.next(t)
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 1 }, waitFor, tick)

	// server shutdown
	cancel()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), waitFor)
	defer cancelWait()
	require.NoError(t, handler.Wait(waitCtx))
	require.Len(t, transcripts.Records(), 1, "Wait returned before the transcript was saved")
	assert.Equal(t, "CA7", transcripts.Records()[0].CallSid)

	// no new calls once draining
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestHandler_MediaStream(t *testing.T) {
	hub, _ := runHub(t)
	handler, dialer := newMediaHandler(t, context.Background(), hub, nil)

	e := echo.New()
	e.GET("/media-stream", handler.HandleMediaStream)
	server := httptest.NewServer(e)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "connected", "protocol": "Call"}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ9",
		"start": map[string]interface{}{
			"streamSid":        "MZ9",
			"callSid":          "CA9",
			"customParameters": map[string]string{"businessId": "biz-1", "callerNumber": "+15550000000"},
		},
	}))
	ch := dialer.next(t)
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 1 }, waitFor, tick)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"event":     "media",
		"streamSid": "MZ9",
		"media":     map[string]interface{}{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(silentFrame())},
	}))
	require.Eventually(t, func() bool { return len(ch.Appended()) == 1 }, waitFor, tick)

	// agent audio reaches the phone leg as a media event
	ch.emit(t, realtimeAudio(960))
	var msg struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	conn.SetReadDeadline(time.Now().Add(waitFor))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "media", msg.Event)
	assert.Equal(t, "MZ9", msg.StreamSid)
	payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	require.NoError(t, err)
	assert.Len(t, payload, 160)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "stop", "streamSid": "MZ9"}))

	// the server closes the stream once the session is done
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 0 }, waitFor, tick)
	assert.True(t, ch.IsClosed())
}
