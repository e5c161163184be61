package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voxbridge/adapters/business"
	"github.com/satriahrh/voxbridge/adapters/codec"
	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
	"github.com/satriahrh/voxbridge/internal/realtime"
	"github.com/satriahrh/voxbridge/internal/telephony"
	"github.com/satriahrh/voxbridge/internal/tools"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeChannel struct {
	mu       sync.Mutex
	ops      []string
	appended [][]byte
	results  []entities.ToolResult
	configs  []entities.SessionConfig
	texts    []string
	closed   bool
	err      error

	events   chan realtime.Event
	failOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan realtime.Event, 64)}
}

func (f *fakeChannel) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return realtime.ErrChannelClosed
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeChannel) AppendAudio(pcm []byte) error {
	if err := f.record("append"); err != nil {
		return err
	}
	f.mu.Lock()
	f.appended = append(f.appended, append([]byte(nil), pcm...))
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) CommitAudio() error    { return f.record("commit") }
func (f *fakeChannel) CreateResponse() error { return f.record("create") }

func (f *fakeChannel) SendText(text string) error {
	if err := f.record("text"); err != nil {
		return err
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) SubmitToolResult(result entities.ToolResult) error {
	if err := f.record("tool:" + result.CallID); err != nil {
		return err
	}
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) CancelResponse(responseID string) error {
	return f.record("cancel:" + responseID)
}

func (f *fakeChannel) UpdateSession(cfg entities.SessionConfig) error {
	if err := f.record("update"); err != nil {
		return err
	}
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Events() <-chan realtime.Event { return f.events }

func (f *fakeChannel) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fail simulates the service dropping the connection
func (f *fakeChannel) fail(err error) {
	f.failOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeChannel) emit(t *testing.T, ev realtime.Event) {
	t.Helper()
	select {
	case f.events <- ev:
	case <-time.After(waitFor):
		t.Fatalf("timed out emitting %s", ev.Type)
	}
}

func (f *fakeChannel) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeChannel) Appended() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.appended...)
}

func (f *fakeChannel) Results() []entities.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.ToolResult(nil), f.results...)
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) count(op string) int {
	n := 0
	for _, o := range f.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	// errs[i] is returned by dial i+1; dials past the slice use failRest
	errs     []error
	failRest error
	gate     chan struct{}
	channels chan *fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{channels: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, cfg entities.SessionConfig) (SpeechChannel, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.dials++
	n := d.dials
	var err error
	if n <= len(d.errs) {
		err = d.errs[n-1]
	} else if n > 1 && d.failRest != nil {
		err = d.failRest
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := newFakeChannel()
	d.channels <- ch
	return ch, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-d.channels:
		return ch
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeSink struct {
	mu       sync.Mutex
	messages []map[string]interface{}
	closed   bool
}

func (s *fakeSink) Send(msg []byte) error {
	var decoded map[string]interface{}
	if err := json.Unmarshal(msg, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.messages = append(s.messages, decoded)
	return nil
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) Events(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m["event"] == event {
			n++
		}
	}
	return n
}

type memoryTranscripts struct {
	mu      sync.Mutex
	records []*entities.TranscriptRecord
	delay   time.Duration
}

func (m *memoryTranscripts) Save(ctx context.Context, record *entities.TranscriptRecord) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryTranscripts) GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.SessionID == sessionID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("transcript %s not found", sessionID)
}

func (m *memoryTranscripts) Records() []*entities.TranscriptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*entities.TranscriptRecord(nil), m.records...)
}

type stubTranscriber struct {
	text string
	mu   sync.Mutex
	got  [][]byte
	cfgs []repositories.AudioConfig
}

func (s *stubTranscriber) TranscribeAudio(ctx context.Context, audio []byte, cfg repositories.AudioConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, audio)
	s.cfgs = append(s.cfgs, cfg)
	return s.text, nil
}

type stubAnnouncer struct {
	audio []byte
}

func (s *stubAnnouncer) ConvertTextToSpeech(ctx context.Context, text string) (<-chan []byte, error) {
	out := make(chan []byte, 1)
	out <- s.audio
	close(out)
	return out, nil
}

type harness struct {
	t           *testing.T
	session     *Session
	adapter     *telephony.Adapter
	sink        *fakeSink
	dialer      *fakeDialer
	store       *business.MemoryStore
	transcripts *memoryTranscripts
	codec       *codec.G711Codec
	done        chan error
	cancel      context.CancelFunc
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CommitInterval = 20 * time.Millisecond
	opts.StartTimeout = waitFor
	opts.FlushTimeout = time.Second
	opts.FallbackTimeout = time.Second
	opts.Reconnect = ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		StableAfter: time.Hour,
	}
	return opts
}

func newHarness(t *testing.T, configure func(*Deps, *Options)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := business.NewMemoryStore()
	store.AddBusiness(business.Business{
		ID:   "biz-1",
		Info: repositories.BusinessInfo{Name: "Tony's Pizza"},
		Profiles: map[string]repositories.AgentProfile{
			"": {BusinessID: "biz-1", Config: entities.SessionConfig{Instructions: "You take pizza orders."}},
		},
	})
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBusinessTools(registry, store))
	dispatcher := tools.NewDispatcher(registry, logger)

	g711, err := codec.NewG711Codec(24000)
	require.NoError(t, err)

	h := &harness{
		t:           t,
		adapter:     telephony.NewAdapter(telephony.DefaultQueueDepth, logger),
		sink:        &fakeSink{},
		dialer:      newFakeDialer(),
		store:       store,
		transcripts: &memoryTranscripts{},
		codec:       g711,
		done:        make(chan error, 1),
	}
	deps := Deps{
		Resolver: &ConfigResolver{
			Profiles: store,
			Defaults: entities.SessionConfig{Voice: "alloy", TurnDetection: entities.TurnDetectionNone, Temperature: 0.8},
			Tools:    dispatcher.Manifest(),
		},
		Dialer:      h.dialer,
		Codec:       g711,
		Tools:       dispatcher,
		Transcripts: h.transcripts,
		Logger:      logger,
	}
	opts := testOptions()
	if configure != nil {
		configure(&deps, &opts)
	}
	h.session = NewSession(deps, opts, h.adapter, h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.session.Done()
	})
	return h
}

func (h *harness) push(msg map[string]interface{}) {
	h.t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(h.t, err)
	require.NoError(h.t, h.adapter.Push(raw))
}

func (h *harness) start(params map[string]string) {
	if params == nil {
		params = map[string]string{
			telephony.ParamCallerNumber: "+15551234567",
			telephony.ParamBusinessID:   "biz-1",
		}
	}
	h.push(map[string]interface{}{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]interface{}{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"customParameters": params,
		},
	})
}

func (h *harness) media(frame []byte) {
	h.push(map[string]interface{}{
		"event":     "media",
		"streamSid": "MZ1",
		"media": map[string]interface{}{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString(frame),
		},
	})
}

func (h *harness) stop() {
	h.push(map[string]interface{}{"event": "stop", "streamSid": "MZ1", "stop": map[string]interface{}{"callSid": "CA1"}})
}

// activate runs start through to an active session and returns its channel
func (h *harness) activate() *fakeChannel {
	h.t.Helper()
	h.start(nil)
	ch := h.dialer.next(h.t)
	h.waitState(entities.CallStateActive)
	return ch
}

func (h *harness) waitState(state entities.CallState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.Info().State == state }, waitFor, tick,
		"session never reached %s", state)
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("session did not finish")
		return nil
	}
}

// loudFrame is 20 ms of full-scale mu-law
func loudFrame() []byte {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0x80
	}
	return frame
}

// silentFrame is 20 ms of mu-law silence
func silentFrame() []byte {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xFF
	}
	return frame
}

func realtimeAudio(n int) realtime.Event {
	return realtime.Event{Type: realtime.EventAudioDelta, Audio: make([]byte, n)}
}
