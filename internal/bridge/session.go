package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
	"github.com/satriahrh/voxbridge/internal/realtime"
	"github.com/satriahrh/voxbridge/internal/telephony"
	"github.com/satriahrh/voxbridge/internal/tools"
	"github.com/satriahrh/voxbridge/internal/transcript"
)

var (
	// ErrSessionClosed is returned by operations on a finished session
	ErrSessionClosed = errors.New("call session closed")

	// ErrChannelUnavailable is returned while the speech channel is (re)connecting
	ErrChannelUnavailable = errors.New("speech channel unavailable")
)

// SpeechChannel is the live speech-service connection a session drives
type SpeechChannel interface {
	AppendAudio(pcm []byte) error
	CommitAudio() error
	SendText(text string) error
	SubmitToolResult(result entities.ToolResult) error
	CreateResponse() error
	CancelResponse(responseID string) error
	UpdateSession(cfg entities.SessionConfig) error
	Events() <-chan realtime.Event
	Err() error
	Close() error
}

// Dialer opens speech channels
type Dialer interface {
	Dial(ctx context.Context, cfg entities.SessionConfig) (SpeechChannel, error)
}

// DialFunc adapts a function to Dialer
type DialFunc func(ctx context.Context, cfg entities.SessionConfig) (SpeechChannel, error)

// Dial implements Dialer
func (f DialFunc) Dial(ctx context.Context, cfg entities.SessionConfig) (SpeechChannel, error) {
	return f(ctx, cfg)
}

// RealtimeDialer adapts the realtime dialer to Dialer
func RealtimeDialer(d *realtime.Dialer) Dialer {
	return DialFunc(func(ctx context.Context, cfg entities.SessionConfig) (SpeechChannel, error) {
		ch, err := d.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return ch, nil
	})
}

// ToolExecutor runs one function call and always returns a result
type ToolExecutor interface {
	Execute(ctx context.Context, call entities.ToolCall, cc tools.CallContext) entities.ToolResult
}

// TelephonySink carries serialized messages back to the telephony transport
type TelephonySink interface {
	Send(msg []byte) error
	Close()
}

// Options tunes a call session
type Options struct {
	// Cadence of client-side commits when turn detection is disabled
	CommitInterval time.Duration
	// Telephony frames held while the speech channel is (re)connecting
	PreconnectFrames int
	StartTimeout     time.Duration
	ResolveTimeout   time.Duration
	Reconnect        ReconnectPolicy
	CodecErrorLimit  int
	CodecErrorWindow time.Duration
	// Peak PCM amplitude above which a committed segment counts as speech
	SpeechPeakThreshold int
	SegmentRetention    int
	TranscribeTimeout   time.Duration
	Language            string
	FallbackMessage     string
	FallbackTimeout     time.Duration
	FlushTimeout        time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		CommitInterval:      time.Second,
		PreconnectFrames:    250,
		StartTimeout:        10 * time.Second,
		ResolveTimeout:      5 * time.Second,
		Reconnect:           DefaultReconnectPolicy(),
		CodecErrorLimit:     10,
		CodecErrorWindow:    time.Second,
		SpeechPeakThreshold: 500,
		SegmentRetention:    4,
		TranscribeTimeout:   10 * time.Second,
		Language:            "en-US",
		FallbackMessage:     "Sorry, we're having technical difficulties. Please call back in a few minutes.",
		FallbackTimeout:     5 * time.Second,
		FlushTimeout:        30 * time.Second,
	}
}

// Deps are the collaborators of a call session. Transcripts, Summarizer,
// Transcriber, Announcer and Hub are optional.
type Deps struct {
	Resolver    Resolver
	Dialer      Dialer
	Codec       repositories.AudioCodec
	Tools       ToolExecutor
	Transcripts repositories.TranscriptRepository
	Summarizer  repositories.Summarizer
	Transcriber repositories.SpeechToText
	Announcer   repositories.TextToSpeech
	Hub         *Hub
	Logger      *zap.Logger
}

// SessionInfo is a point-in-time view of a call session
type SessionInfo struct {
	ID           string                 `json:"id"`
	BusinessID   string                 `json:"business_id"`
	CallerNumber string                 `json:"caller_number"`
	CallSid      string                 `json:"call_sid"`
	StreamSid    string                 `json:"stream_sid"`
	Direction    entities.CallDirection `json:"direction"`
	State        entities.CallState     `json:"state"`
	CreatedAt    time.Time              `json:"created_at"`
}

type activeResponse struct {
	id           string
	audioStarted bool
	cancelled    bool
	transcript   strings.Builder
	text         strings.Builder
}

type dialOutcome struct {
	channel SpeechChannel
	err     error
}

// configUpdate carries either a config change or an injected text turn
type configUpdate struct {
	cfg   entities.SessionConfig
	text  string
	reply chan error
}

// Session bridges one telephony stream to one speech channel.
// All mutable call state is owned by the goroutine running Run; other
// goroutines talk to it through channels.
type Session struct {
	deps     Deps
	audio    repositories.AudioStream
	opts     Options
	adapter  *telephony.Adapter
	sink     TelephonySink
	logger   *zap.Logger
	recorder *transcript.Recorder

	ctx  context.Context
	done chan struct{}

	toolResults         chan entities.ToolResult
	dialResults         chan dialOutcome
	fallbackTranscripts chan entities.TranscriptEntry
	configUpdates       chan configUpdate

	infoMu sync.RWMutex
	info   SessionInfo
	cancel context.CancelFunc

	// owned by Run
	call    *entities.CallSession
	cfg     entities.SessionConfig
	channel SpeechChannel
	events  <-chan realtime.Event
	active  *activeResponse
	pending map[string]entities.ToolCall
	// responses whose audio the phone leg may still be playing, by mark name
	playback          map[string]bool
	responseWanted    bool
	responseRequested bool
	dialing           bool
	finished          bool
	fatalErr          error

	buffered            [][]byte
	bufferDrops         int
	appendedSinceCommit bool
	peakSinceCommit     int
	segment             []byte
	segments            map[string][]byte
	segmentOrder        []string

	reconnector    *Reconnector
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
	codecErrors    *errorWindow
}

// maxSegmentBytes caps retained caller audio per turn (30s of 8 kHz mu-law)
const maxSegmentBytes = 30 * entities.TelephonySampleRate

// fallbackFrameBytes is one 20 ms mu-law frame
const fallbackFrameBytes = 160

// NewSession creates a session reading from adapter and writing to sink
func NewSession(deps Deps, opts Options, adapter *telephony.Adapter, sink TelephonySink) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var audio repositories.AudioStream
	if deps.Codec != nil {
		audio = deps.Codec.NewStream()
	}
	return &Session{
		deps:                deps,
		audio:               audio,
		opts:                opts,
		adapter:             adapter,
		sink:                sink,
		logger:              logger,
		recorder:            transcript.NewRecorder(deps.Transcripts, deps.Summarizer, logger),
		done:                make(chan struct{}),
		toolResults:         make(chan entities.ToolResult, 16),
		dialResults:         make(chan dialOutcome, 1),
		fallbackTranscripts: make(chan entities.TranscriptEntry, 4),
		configUpdates:       make(chan configUpdate),
		pending:             make(map[string]entities.ToolCall),
		playback:            make(map[string]bool),
		segments:            make(map[string][]byte),
		reconnector:         NewReconnector(opts.Reconnect),
		codecErrors:         newErrorWindow(opts.CodecErrorLimit, opts.CodecErrorWindow),
	}
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to drain and close
func (s *Session) Stop() {
	s.infoMu.RLock()
	cancel := s.cancel
	s.infoMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// UpdateConfig merges cfg into the live session configuration and re-sends it
func (s *Session) UpdateConfig(ctx context.Context, cfg entities.SessionConfig) error {
	return s.control(ctx, configUpdate{cfg: cfg})
}

// SendText adds an operator text turn to the conversation and asks the agent to respond
func (s *Session) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return entities.NewSessionError(entities.ErrorKindConfiguration, "send text", errors.New("text is required"))
	}
	return s.control(ctx, configUpdate{text: text})
}

func (s *Session) control(ctx context.Context, upd configUpdate) error {
	reply := make(chan error, 1)
	upd.reply = reply
	select {
	case s.configUpdates <- upd:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until the call ends. It returns the fatal error, if any.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.infoMu.Lock()
	s.cancel = cancel
	s.infoMu.Unlock()
	defer func() {
		cancel()
		s.stopReconnect()
		close(s.done)
		if s.deps.Hub != nil && s.call != nil {
			s.deps.Hub.Unregister(s)
		}
	}()

	startTimer := time.NewTimer(s.opts.StartTimeout)
	defer startTimer.Stop()
	commitTicker := time.NewTicker(s.opts.CommitInterval)
	defer commitTicker.Stop()

	for !s.finished {
		select {
		case <-ctx.Done():
			s.drain("context cancelled", nil)

		case <-s.adapter.Ready():
			for _, ev := range s.adapter.Drain() {
				if s.finished {
					break
				}
				s.handleTelephony(ev)
			}

		case ev, ok := <-s.events:
			if !ok {
				s.handleChannelClosed()
				continue
			}
			s.handleSpeech(ev)

		case result := <-s.toolResults:
			s.handleToolResult(result)

		case res := <-s.dialResults:
			s.handleDial(res)

		case <-s.reconnectC:
			s.reconnectC = nil
			s.dial()

		case entry := <-s.fallbackTranscripts:
			s.recorder.AddEntry(entry)

		case upd := <-s.configUpdates:
			if upd.text != "" {
				upd.reply <- s.injectText(upd.text)
			} else {
				upd.reply <- s.applyConfig(upd.cfg)
			}

		case <-commitTicker.C:
			s.commitOnCadence()

		case <-startTimer.C:
			if s.call == nil {
				s.logger.Warn("No start event received, closing stream")
				s.drain("start timeout", nil)
			}
		}
	}
	return s.fatalErr
}

func (s *Session) handleTelephony(ev telephony.Event) {
	switch ev.Type {
	case telephony.EventStart:
		s.handleStart(ev.Start)
	case telephony.EventMedia:
		s.handleMedia(ev.Media)
	case telephony.EventStop:
		s.drain("telephony stop", nil)
	case telephony.EventMark:
		delete(s.playback, ev.Mark)
	}
}

func (s *Session) handleStart(start *telephony.Start) {
	if s.call != nil {
		s.logger.Warn("Ignoring duplicate start event", zap.String("streamSid", start.StreamID))
		return
	}

	rctx, cancel := context.WithTimeout(s.ctx, s.opts.ResolveTimeout)
	resolved, err := s.deps.Resolver.Resolve(rctx, start)
	cancel()

	if err != nil {
		s.call = entities.NewCallSession(start.CustomParameters[telephony.ParamBusinessID],
			start.CustomParameters[telephony.ParamCallerNumber], entities.CallDirectionInbound)
	} else {
		s.call = entities.NewCallSession(resolved.BusinessID, resolved.CallerNumber, resolved.Direction)
		s.cfg = resolved.Config
	}
	s.call.CallSid = start.CallID
	s.call.StreamSid = start.StreamID
	s.logger = s.logger.With(
		zap.String("sessionID", s.call.ID),
		zap.String("callSid", start.CallID),
		zap.String("streamSid", start.StreamID))
	s.publishInfo()
	if s.deps.Hub != nil {
		s.deps.Hub.Register(s)
	}

	if err != nil {
		if entities.KindOf(err) != entities.ErrorKindConfiguration {
			err = entities.NewSessionError(entities.ErrorKindConfiguration, "resolve", err)
		}
		s.drain("session configuration rejected", err)
		return
	}

	s.logger.Info("Call started",
		zap.String("businessID", s.call.BusinessID),
		zap.String("caller", s.call.CallerNumber),
		zap.String("direction", string(s.call.Direction)),
		zap.String("voice", s.cfg.Voice),
		zap.String("turnDetection", string(s.cfg.TurnDetection)))
	s.dial()
}

func (s *Session) handleMedia(m *telephony.Media) {
	if s.call == nil {
		s.logger.Debug("Dropping media before start")
		return
	}
	if m.Track != telephony.TrackInbound {
		return
	}
	switch s.call.State {
	case entities.CallStateConnecting:
		s.buffer(m.Payload)
	case entities.CallStateActive:
		if s.channel == nil {
			s.buffer(m.Payload)
			return
		}
		s.forward(m.Payload)
	}
}

// buffer holds caller audio while no channel is available, dropping the oldest frame when full
func (s *Session) buffer(frame []byte) {
	if s.opts.PreconnectFrames <= 0 {
		return
	}
	if len(s.buffered) >= s.opts.PreconnectFrames {
		s.buffered = s.buffered[1:]
		s.bufferDrops++
		if s.bufferDrops == 1 || s.bufferDrops%50 == 0 {
			s.logger.Warn("Pre-connect audio buffer full, dropped oldest frame",
				zap.Int("capacity", s.opts.PreconnectFrames),
				zap.Int("totalDropped", s.bufferDrops))
		}
	}
	s.buffered = append(s.buffered, frame)
}

func (s *Session) flushBuffered() {
	frames := s.buffered
	s.buffered = nil
	for _, f := range frames {
		if s.channel == nil {
			s.buffer(f)
			continue
		}
		s.forward(f)
	}
}

func (s *Session) forward(frame []byte) {
	pcm, err := s.audio.Decode(frame)
	if err != nil {
		s.codecFailure("decode", err)
		return
	}
	if err := s.channel.AppendAudio(pcm); err != nil {
		if errors.Is(err, realtime.ErrChannelClosed) {
			// the closure event follows; keep the frame for the next channel
			s.buffer(frame)
			return
		}
		s.logger.Warn("Failed to append audio", zap.Error(err))
		return
	}
	s.appendedSinceCommit = true
	if p := peakAmplitude(pcm); p > s.peakSinceCommit {
		s.peakSinceCommit = p
	}
	if len(s.segment)+len(frame) <= maxSegmentBytes {
		s.segment = append(s.segment, frame...)
	}
}

func (s *Session) codecFailure(direction string, err error) {
	s.logger.Warn("Dropping audio frame after codec failure",
		zap.String("direction", direction),
		zap.Error(err))
	if s.codecErrors.Record(time.Now()) {
		s.drain("codec failure burst", entities.NewSessionError(entities.ErrorKindCodec, direction, err))
	}
}

// commitOnCadence bounds latency when the service is not detecting turns
func (s *Session) commitOnCadence() {
	if s.call == nil || s.call.State != entities.CallStateActive || s.channel == nil {
		return
	}
	if s.cfg.TurnDetection != entities.TurnDetectionNone || !s.appendedSinceCommit {
		return
	}
	if err := s.channel.CommitAudio(); err != nil {
		s.logger.Warn("Failed to commit audio", zap.Error(err))
		return
	}
	s.appendedSinceCommit = false
	speech := s.peakSinceCommit >= s.opts.SpeechPeakThreshold
	s.peakSinceCommit = 0
	if speech {
		s.requestResponse()
	}
}

func (s *Session) handleSpeech(ev realtime.Event) {
	switch ev.Type {
	case realtime.EventSessionCreated, realtime.EventSessionUpdated:
		s.logger.Debug("Speech session configured", zap.String("event", string(ev.Type)))

	case realtime.EventItemCreated:
		s.recorder.Sequence(ev.ItemID)

	case realtime.EventAudioCommitted:
		s.recorder.Sequence(ev.ItemID)
		s.keepSegment(ev.ItemID)

	case realtime.EventSpeechStarted:
		s.bargeIn()

	case realtime.EventSpeechStopped:
		s.logger.Debug("Caller stopped speaking")

	case realtime.EventInputTranscriptDone:
		s.recorder.Add(entities.SpeakerCaller, ev.ItemID, ev.Text)
		s.dropSegment(ev.ItemID)

	case realtime.EventInputTranscriptFailed:
		s.transcribeFallback(ev)

	case realtime.EventResponseCreated:
		s.startResponse(ev.ResponseID)

	case realtime.EventAudioDelta:
		s.playAudio(ev)

	case realtime.EventTranscriptDelta:
		if r := s.responseFor(ev.ResponseID); r != nil {
			r.transcript.WriteString(ev.Text)
		}

	case realtime.EventTranscriptDone:
		text := ev.Text
		if r := s.responseFor(ev.ResponseID); r != nil && text == "" {
			text = r.transcript.String()
		}
		s.recorder.Add(entities.SpeakerAgent, ev.ItemID, text)

	case realtime.EventTextDelta:
		if r := s.responseFor(ev.ResponseID); r != nil {
			r.text.WriteString(ev.Text)
		}

	case realtime.EventTextDone:
		text := ev.Text
		if r := s.responseFor(ev.ResponseID); r != nil && text == "" {
			text = r.text.String()
		}
		s.recorder.Add(entities.SpeakerAgent, ev.ItemID, text)

	case realtime.EventFunctionCall:
		s.dispatchTool(*ev.ToolCall)

	case realtime.EventFunctionCallRejected:
		s.logger.Warn("Function call rejected with error result",
			zap.String("callID", ev.ToolCall.CallID),
			zap.String("tool", ev.ToolCall.Name))
		// the error output is already submitted; let the model explain it
		s.requestResponse()

	case realtime.EventResponseDone:
		s.finishResponse(ev)

	case realtime.EventRateLimitWarning:
		for _, rl := range ev.RateLimits {
			s.logger.Warn("Speech service rate limit below 10%",
				zap.String("name", rl.Name),
				zap.Float64("remaining", rl.Remaining),
				zap.Float64("limit", rl.Limit),
				zap.Float64("resetSeconds", rl.ResetSeconds))
		}

	case realtime.EventAudioDone:
		s.markPlayback(ev.ResponseID)

	case realtime.EventRateLimits:

	case realtime.EventError:
		s.handleServerError(ev.Error)

	default:
		s.logger.Debug("Unhandled speech event", zap.String("type", string(ev.Type)))
	}
}

func (s *Session) responseFor(responseID string) *activeResponse {
	if s.active != nil && (responseID == "" || s.active.id == responseID) {
		return s.active
	}
	return nil
}

func (s *Session) startResponse(responseID string) {
	if s.active != nil && s.active.id != responseID {
		s.logger.Warn("Response started while another is active",
			zap.String("activeResponseID", s.active.id),
			zap.String("responseID", responseID))
	}
	s.responseRequested = false
	s.active = &activeResponse{id: responseID}
}

func (s *Session) finishResponse(ev realtime.Event) {
	if s.active != nil && (ev.ResponseID == "" || ev.ResponseID == s.active.id) {
		s.active = nil
	}
	s.responseRequested = false
	s.logger.Debug("Response finished",
		zap.String("responseID", ev.ResponseID),
		zap.String("status", ev.Status))
	s.maybeCreateResponse()
}

func (s *Session) playAudio(ev realtime.Event) {
	if s.call == nil || s.call.State != entities.CallStateActive {
		return
	}
	r := s.responseFor(ev.ResponseID)
	if r != nil && r.cancelled {
		return
	}
	mulaw, err := s.audio.Encode(ev.Audio)
	if err != nil {
		s.codecFailure("encode", err)
		return
	}
	msg, err := s.adapter.MediaMessage(mulaw)
	if err != nil {
		s.logger.Warn("Failed to serialize media frame", zap.Error(err))
		return
	}
	if err := s.sink.Send(msg); err != nil {
		s.logger.Warn("Failed to send media frame", zap.Error(err))
		return
	}
	if r != nil {
		r.audioStarted = true
	}
}

// markPlayback asks the transport to report when a response's audio has played out
func (s *Session) markPlayback(responseID string) {
	r := s.responseFor(responseID)
	if r == nil || r.cancelled || !r.audioStarted {
		return
	}
	msg, err := s.adapter.MarkMessage(r.id)
	if err != nil {
		s.logger.Warn("Failed to serialize mark", zap.Error(err))
		return
	}
	if err := s.sink.Send(msg); err != nil {
		s.logger.Warn("Failed to send mark", zap.Error(err))
		return
	}
	s.playback[r.id] = true
}

// bargeIn stops agent playback when the caller talks over it. Audio of a
// finished response still queued on the phone leg is cleared as well.
func (s *Session) bargeIn() {
	r := s.active
	speaking := r != nil && !r.cancelled && r.audioStarted
	if !speaking && len(s.playback) == 0 {
		return
	}
	if msg, err := s.adapter.ClearMessage(); err == nil {
		if err := s.sink.Send(msg); err != nil {
			s.logger.Warn("Failed to clear telephony playback", zap.Error(err))
		}
	}
	s.playback = make(map[string]bool)
	if !speaking {
		s.logger.Info("Caller interrupted queued playback")
		return
	}
	s.logger.Info("Caller interrupted agent", zap.String("responseID", r.id))
	s.cancelActive()
}

// cancelActive cancels the in-flight response once; later calls are no-ops
func (s *Session) cancelActive() {
	if s.active == nil || s.active.cancelled || s.channel == nil {
		return
	}
	s.active.cancelled = true
	if err := s.channel.CancelResponse(s.active.id); err != nil {
		s.logger.Warn("Failed to cancel response", zap.String("responseID", s.active.id), zap.Error(err))
	}
}

func (s *Session) requestResponse() {
	s.responseWanted = true
	s.maybeCreateResponse()
}

// maybeCreateResponse sends response.create only when no response is in flight
// and every function call has its result submitted.
func (s *Session) maybeCreateResponse() {
	if !s.responseWanted || s.channel == nil || s.call == nil || s.call.State != entities.CallStateActive {
		return
	}
	if s.active != nil || s.responseRequested || len(s.pending) > 0 {
		s.logger.Debug("Deferring response",
			zap.Bool("active", s.active != nil),
			zap.Bool("requested", s.responseRequested),
			zap.Int("pendingCalls", len(s.pending)))
		return
	}
	if err := s.channel.CreateResponse(); err != nil {
		s.logger.Warn("Failed to request response", zap.Error(err))
		return
	}
	s.responseWanted = false
	s.responseRequested = true
}

func (s *Session) dispatchTool(call entities.ToolCall) {
	if _, dup := s.pending[call.CallID]; dup {
		s.logger.Warn("Ignoring duplicate function call", zap.String("callID", call.CallID))
		return
	}
	s.pending[call.CallID] = call
	cc := tools.CallContext{
		SessionID:    s.call.ID,
		BusinessID:   s.call.BusinessID,
		CallerNumber: s.call.CallerNumber,
	}
	s.logger.Info("Dispatching tool call",
		zap.String("tool", call.Name),
		zap.String("callID", call.CallID))

	ctx := s.ctx
	go func() {
		result := s.deps.Tools.Execute(ctx, call, cc)
		result.CallID = call.CallID
		select {
		case s.toolResults <- result:
		case <-s.done:
		}
	}()
}

func (s *Session) handleToolResult(result entities.ToolResult) {
	if _, ok := s.pending[result.CallID]; !ok {
		s.logger.Debug("Dropping stale tool result", zap.String("callID", result.CallID))
		return
	}
	delete(s.pending, result.CallID)
	if s.channel == nil {
		return
	}
	if err := s.channel.SubmitToolResult(result); err != nil {
		s.logger.Warn("Failed to submit tool result", zap.String("callID", result.CallID), zap.Error(err))
		return
	}
	s.requestResponse()
}

func (s *Session) handleServerError(e *realtime.ServerError) {
	if e.SessionExpired() {
		s.logger.Warn("Speech session expired, reconnecting", zap.String("message", e.Message))
		s.dropChannel()
		if !s.reconnector.NextImmediate() {
			s.drain("speech channel reconnect budget exhausted",
				entities.NewSessionError(entities.ErrorKindTransport, "reconnect", errors.New("session expired with no attempts left")))
			return
		}
		s.dial()
		return
	}
	if s.active == nil {
		s.responseRequested = false
	}
	s.logger.Warn("Speech service error",
		zap.String("type", e.Type),
		zap.String("code", e.Code),
		zap.String("message", e.Message))
}

func (s *Session) keepSegment(itemID string) {
	if itemID == "" || len(s.segment) == 0 {
		s.segment = nil
		return
	}
	s.segments[itemID] = s.segment
	s.segmentOrder = append(s.segmentOrder, itemID)
	s.segment = nil
	for len(s.segmentOrder) > s.opts.SegmentRetention {
		delete(s.segments, s.segmentOrder[0])
		s.segmentOrder = s.segmentOrder[1:]
	}
}

func (s *Session) dropSegment(itemID string) {
	delete(s.segments, itemID)
}

// transcribeFallback recovers caller text when the speech service could not transcribe it
func (s *Session) transcribeFallback(ev realtime.Event) {
	audio, ok := s.segments[ev.ItemID]
	s.dropSegment(ev.ItemID)
	if s.deps.Transcriber == nil || !ok {
		s.logger.Warn("Caller transcription failed", zap.String("itemID", ev.ItemID))
		return
	}
	seq := s.recorder.Sequence(ev.ItemID)
	ctx, logger := s.ctx, s.logger
	cfg := repositories.AudioConfig{
		SampleRate: entities.TelephonySampleRate,
		Encoding:   "MULAW",
		Language:   s.opts.Language,
	}
	go func() {
		tctx, cancel := context.WithTimeout(ctx, s.opts.TranscribeTimeout)
		defer cancel()
		text, err := s.deps.Transcriber.TranscribeAudio(tctx, audio, cfg)
		if err != nil {
			logger.Warn("Fallback transcription failed", zap.String("itemID", ev.ItemID), zap.Error(err))
			return
		}
		if text == "" {
			return
		}
		select {
		case s.fallbackTranscripts <- entities.TranscriptEntry{Speaker: entities.SpeakerCaller, Text: text, Sequence: seq}:
		case <-s.done:
		}
	}()
}

func (s *Session) dial() {
	if s.dialing || s.finished {
		return
	}
	s.dialing = true
	ctx, cfg := s.ctx, s.cfg
	go func() {
		ch, err := s.deps.Dialer.Dial(ctx, cfg)
		select {
		case s.dialResults <- dialOutcome{channel: ch, err: err}:
		case <-s.done:
			if ch != nil {
				ch.Close()
			}
		}
	}()
}

func (s *Session) handleDial(res dialOutcome) {
	s.dialing = false
	if s.finished || s.call == nil || s.call.State == entities.CallStateDraining || s.call.State == entities.CallStateClosed {
		if res.channel != nil {
			res.channel.Close()
		}
		return
	}
	if res.err != nil {
		if !entities.KindOf(res.err).Retryable() {
			s.drain("speech channel rejected configuration", res.err)
			return
		}
		s.logger.Warn("Speech channel connect failed", zap.Error(res.err))
		s.scheduleReconnect()
		return
	}

	s.channel = res.channel
	s.events = res.channel.Events()
	s.reconnector.Connected()

	if s.call.State == entities.CallStateConnecting {
		s.setState(entities.CallStateActive)
		s.logger.Info("Call session active")
		if s.cfg.Greeting != "" {
			s.responseWanted = true
		}
	} else {
		s.logger.Info("Speech channel reconnected", zap.Int("attempts", s.reconnector.Attempts()))
	}
	s.flushBuffered()
	s.maybeCreateResponse()
}

func (s *Session) handleChannelClosed() {
	err := s.channel.Err()
	s.dropChannel()
	if s.call == nil || s.call.State != entities.CallStateActive {
		return
	}
	if err != nil && !entities.KindOf(err).Retryable() {
		s.drain("speech channel failed", err)
		return
	}
	s.logger.Warn("Speech channel closed unexpectedly", zap.Error(err))
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	delay, ok := s.reconnector.Next()
	if !ok {
		s.drain("speech channel reconnect budget exhausted",
			entities.NewSessionError(entities.ErrorKindTransport, "reconnect",
				fmt.Errorf("gave up after %d attempts", s.reconnector.Attempts())))
		return
	}
	s.logger.Info("Scheduling speech channel reconnect",
		zap.Int("attempt", s.reconnector.Attempts()),
		zap.Duration("delay", delay))
	s.stopReconnect()
	s.reconnectTimer = time.NewTimer(delay)
	s.reconnectC = s.reconnectTimer.C
}

func (s *Session) stopReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectC = nil
}

// dropChannel forgets the current channel and the conversation state tied to it
func (s *Session) dropChannel() {
	if s.channel != nil {
		s.channel.Close()
	}
	s.channel = nil
	s.events = nil
	s.active = nil
	s.responseWanted = false
	s.responseRequested = false
	if len(s.pending) > 0 {
		s.logger.Warn("Abandoning unresolved tool calls", zap.Int("count", len(s.pending)))
		s.pending = make(map[string]entities.ToolCall)
	}
	s.appendedSinceCommit = false
	s.peakSinceCommit = 0
}

func (s *Session) applyConfig(cfg entities.SessionConfig) error {
	merged := s.cfg.Merge(cfg)
	if err := merged.Validate(); err != nil {
		return entities.NewSessionError(entities.ErrorKindConfiguration, "update", err)
	}
	if s.channel != nil {
		if err := s.channel.UpdateSession(merged); err != nil {
			return err
		}
	}
	s.cfg = merged
	s.logger.Info("Session configuration updated",
		zap.String("voice", merged.Voice),
		zap.String("turnDetection", string(merged.TurnDetection)))
	return nil
}

func (s *Session) injectText(text string) error {
	if s.call == nil || s.call.State != entities.CallStateActive || s.channel == nil {
		return ErrChannelUnavailable
	}
	if err := s.channel.SendText(text); err != nil {
		return err
	}
	s.logger.Info("Operator text turn sent", zap.Int("length", len(text)))
	s.requestResponse()
	return nil
}

// drain moves the call through draining to closed. Safe to call repeatedly.
func (s *Session) drain(reason string, cause error) {
	if s.finished {
		return
	}
	if s.call == nil {
		s.finished = true
		s.sink.Close()
		return
	}
	if s.call.State == entities.CallStateDraining || s.call.State == entities.CallStateClosed {
		return
	}
	s.setState(entities.CallStateDraining)
	if cause != nil {
		s.fatalErr = cause
		s.logger.Error("Call session failed", zap.String("reason", reason), zap.Error(cause))
	} else {
		s.logger.Info("Call session draining", zap.String("reason", reason))
	}

	s.stopReconnect()
	s.cancelActive()
	if cause != nil {
		s.announce()
	}
	s.flushTranscript()
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
		s.events = nil
	}
	s.sink.Close()
	s.setState(entities.CallStateClosed)
	s.finished = true
	s.logger.Info("Call session closed")
}

func (s *Session) flushTranscript() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()
	_, err := s.recorder.Flush(ctx, transcript.CallInfo{
		SessionID:     s.call.ID,
		BusinessID:    s.call.BusinessID,
		CallSid:       s.call.CallSid,
		CallerNumber:  s.call.CallerNumber,
		Direction:     s.call.Direction,
		StartedAt:     s.call.CreatedAt,
		Voice:         s.cfg.Voice,
		TurnDetection: s.cfg.TurnDetection,
	})
	if err != nil {
		s.logger.Error("Failed to persist transcript", zap.Error(err))
	}
}

func (s *Session) setState(next entities.CallState) {
	if err := s.call.Transition(next); err != nil {
		s.logger.Error("Rejected state transition", zap.Error(err))
		return
	}
	s.publishInfo()
}

func (s *Session) publishInfo() {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	s.info = SessionInfo{
		ID:           s.call.ID,
		BusinessID:   s.call.BusinessID,
		CallerNumber: s.call.CallerNumber,
		CallSid:      s.call.CallSid,
		StreamSid:    s.call.StreamSid,
		Direction:    s.call.Direction,
		State:        s.call.State,
		CreatedAt:    s.call.CreatedAt,
	}
}

func peakAmplitude(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
