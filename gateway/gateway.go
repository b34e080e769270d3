// Package gateway owns one realtime event-stream connection to the
// gateway: handshake, heartbeat loop, sequence tracking, reconnect
// classification and event dispatch.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrAlreadyConnected = errors.New("connection already exists")
	ErrNotConnected     = errors.New("no gateway connection")
)

// Status is the connection phase of a Session.
type Status int32

const (
	StatusUnconnected Status = iota
	StatusConnecting
	StatusIdentifying
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// EventHandlerFunc receives every dispatch frame in arrival order. A
// panicking handler is logged and isolated; it never tears the session
// down.
type EventHandlerFunc func(eventType string, data json.RawMessage)

// CloseHandlerFunc is notified once when the session ends for good
// (fatal close code or explicit shutdown), distinct from per-call errors.
type CloseHandlerFunc func(err error)

// Session is one gateway connection. It is exclusively owned by the
// client that created it; all exported methods are safe for concurrent
// use.
type Session struct {
	token  string
	config Config

	dialer  *websocket.Dialer
	limiter RateLimiter

	writeMu sync.Mutex // serializes socket writes

	mu                sync.RWMutex
	conn              *websocket.Conn
	listening         chan struct{}
	sessionID         string
	resumeURL         string
	resuming          bool
	heartbeatInterval time.Duration
	lastHeartbeatSent time.Time
	lastHeartbeatAck  time.Time
	latency           time.Duration
	status            Status

	sequence atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once

	eventMu     sync.Mutex
	events      []*Event
	eventSignal chan struct{}
}

func New(token string, opts ...ConfigOpt) *Session {
	config := DefaultConfig()
	config.Apply(opts)

	s := &Session{
		token:       token,
		config:      *config,
		dialer:      config.Dialer,
		limiter:     NewRateLimiter(config.RateLimiterConfigOpts...),
		closed:      make(chan struct{}),
		eventSignal: make(chan struct{}, 1),
	}
	go s.dispatcher()
	return s
}

// Open dials the gateway and starts the session loops. It returns once
// the socket is established; identify/resume happens on HELLO.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()

	if s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.status = StatusConnecting

	url := s.config.URL
	if s.resuming && s.resumeURL != "" {
		url = s.resumeURL
	}
	url += "?v=" + APIVersion + "&encoding=json"

	header := http.Header{}
	header.Add("accept-encoding", "zlib")

	conn, _, err := s.dialer.DialContext(ctx, url, header)
	if err != nil {
		s.status = StatusUnconnected
		s.mu.Unlock()
		return fmt.Errorf("dialing gateway: %w", err)
	}

	s.conn = conn
	s.listening = make(chan struct{})
	s.status = StatusIdentifying
	s.limiter.Reset()
	s.mu.Unlock()

	go s.readLoop(conn, s.listening)
	return nil
}

const APIVersion = "10"

func (s *Session) readLoop(conn *websocket.Conn, listening <-chan struct{}) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			sameConnection := s.conn == conn
			s.mu.RUnlock()

			if sameConnection && !s.isShutdown() {
				s.handleClose(err)
			}
			return
		}

		select {
		case <-listening:
			return
		default:
			s.onEvent(messageType, data)
		}
	}
}

// handleClose classifies a socket close into resume, fresh identify or
// terminal shutdown.
func (s *Session) handleClose(err error) {
	code := -1
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	// A raw transport error carries no close code; treat it as resumable
	// unless it recurs, which the redial backoff absorbs.
	behavior := closeResume
	if code != -1 {
		behavior = classifyClose(code)
	}

	switch behavior {
	case closeFatal:
		s.config.Logger.Error("gateway closed with fatal code, terminating",
			zap.Int("code", code), zap.Error(err))
		s.teardown(websocket.CloseNormalClosure)
		s.mu.Lock()
		s.status = StatusClosed
		s.mu.Unlock()
		if s.config.OnClose != nil {
			s.config.OnClose(err)
		}
	case closeResume:
		s.config.Logger.Warn("gateway closed, resuming", zap.Int("code", code), zap.Error(err))
		s.teardown(websocket.CloseServiceRestart)
		s.reconnect(true, 0)
	default:
		s.config.Logger.Warn("gateway closed, re-identifying", zap.Int("code", code), zap.Error(err))
		s.teardown(websocket.CloseServiceRestart)
		s.reconnect(false, 0)
	}
}

func (s *Session) onEvent(messageType int, data []byte) {
	e, err := s.decode(messageType, data)
	if err != nil {
		s.config.Logger.Debug("discarding undecodable frame", zap.Error(err))
		return
	}

	if e.Sequence != 0 {
		s.sequence.Store(e.Sequence)
	}

	switch e.Operation {
	case OpcodeHello:
		var hello helloData
		if err := jsonCodec.Unmarshal(e.RawData, &hello); err != nil {
			return
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond

		s.mu.Lock()
		s.heartbeatInterval = interval
		s.lastHeartbeatSent = time.Time{}
		s.lastHeartbeatAck = time.Now()
		listening := s.listening
		resuming := s.resuming && s.sessionID != ""
		s.mu.Unlock()

		s.limiter.Reload(interval)
		go s.heartbeat(listening, interval)

		if resuming {
			s.sendResume()
		} else {
			s.sendIdentify()
		}

	case OpcodeHeartbeat:
		_ = s.writeMessage(message{Op: OpcodeHeartbeat, D: s.sequence.Load()})

	case OpcodeHeartbeatACK:
		s.mu.Lock()
		s.lastHeartbeatAck = time.Now()
		s.latency = s.lastHeartbeatAck.Sub(s.lastHeartbeatSent)
		s.mu.Unlock()

	case OpcodeReconnect:
		s.config.Logger.Info("gateway requested reconnect")
		s.teardown(websocket.CloseServiceRestart)
		go s.reconnect(true, 0)

	case OpcodeInvalidSession:
		var resumable bool
		_ = jsonCodec.Unmarshal(e.RawData, &resumable)
		s.config.Logger.Warn("invalid session", zap.Bool("resumable", resumable))
		s.teardown(websocket.CloseServiceRestart)
		go s.reconnect(resumable, s.config.InvalidSessionDelay)

	case OpcodeDispatch:
		switch e.Type {
		case "READY":
			var ready readyData
			if err := jsonCodec.Unmarshal(e.RawData, &ready); err == nil {
				s.mu.Lock()
				s.sessionID = ready.SessionID
				s.resumeURL = ready.ResumeGatewayURL
				s.resuming = false
				s.status = StatusConnected
				s.mu.Unlock()
			}
		case "RESUMED":
			s.mu.Lock()
			s.resuming = false
			s.status = StatusConnected
			s.mu.Unlock()
		}
		s.enqueue(e)
	}
}

func (s *Session) decode(messageType int, data []byte) (*Event, error) {
	var reader io.Reader = bytes.NewReader(data)

	if messageType == websocket.BinaryMessage {
		z, err := zlib.NewReader(reader)
		if err != nil {
			return nil, err
		}
		defer z.Close()
		reader = z
	}

	var e *Event
	if err := jsonCodec.NewDecoder(reader).Decode(&e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.New("empty frame")
	}
	return e, nil
}

func (s *Session) heartbeat(listening <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First beat goes out right away; the gateway tolerates early beats
	// and it seeds the sent/ack pair the timeout check compares.
	if !s.sendHeartbeat() {
		return
	}

	for {
		select {
		case <-listening:
			return
		case <-ticker.C:
			if !s.sendHeartbeat() {
				return
			}
		}
	}
}

// sendHeartbeat returns false when the heartbeat loop should stop, either
// because the previous beat was never acknowledged or the write failed.
// Both trigger exactly one resumable reconnect.
func (s *Session) sendHeartbeat() bool {
	s.mu.RLock()
	sent, ack := s.lastHeartbeatSent, s.lastHeartbeatAck
	s.mu.RUnlock()

	if !sent.IsZero() && ack.Before(sent) {
		s.config.Logger.Warn("heartbeat timeout, reconnecting")
		s.teardown(websocket.CloseServiceRestart)
		go s.reconnect(true, 0)
		return false
	}

	if err := s.writeMessage(message{Op: OpcodeHeartbeat, D: s.sequence.Load()}); err != nil {
		s.config.Logger.Warn("heartbeat send failed, reconnecting", zap.Error(err))
		s.teardown(websocket.CloseServiceRestart)
		go s.reconnect(true, 0)
		return false
	}

	s.mu.Lock()
	s.lastHeartbeatSent = time.Now()
	s.mu.Unlock()
	return true
}

// reconnect tears state down per the resume decision and redials with
// exponential backoff until it succeeds or the session is closed.
func (s *Session) reconnect(resume bool, delay time.Duration) {
	s.mu.Lock()
	s.resuming = resume && s.sessionID != ""
	if !s.resuming {
		s.sessionID = ""
		s.resumeURL = ""
		s.sequence.Store(0)
	}
	s.status = StatusReconnecting
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-s.closed:
			return
		case <-time.After(delay):
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		if s.isShutdown() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
		err := s.Open(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			return
		}

		wait := bo.NextBackOff()
		s.config.Logger.Error("reconnect failed, retrying",
			zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-s.closed:
			return
		case <-time.After(wait):
		}
	}
}

func (s *Session) sendIdentify() {
	data := identifyData{
		Token:   s.token,
		Intents: s.config.Intents,
		Properties: identifyProperties{
			OS:      s.config.OS,
			Browser: s.config.Browser,
			Device:  s.config.Device,
		},
		Compress:       s.config.Compress,
		LargeThreshold: s.config.LargeThreshold,
		Shard:          s.config.Shard,
		Presence:       s.config.Presence,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Send(ctx, OpcodeIdentify, data); err != nil {
		s.config.Logger.Error("identify failed", zap.Error(err))
	}
}

func (s *Session) sendResume() {
	s.mu.RLock()
	data := resumeData{
		Token:     s.token,
		SessionID: s.sessionID,
		Sequence:  s.sequence.Load(),
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Send(ctx, OpcodeResume, data); err != nil {
		s.config.Logger.Error("resume failed", zap.Error(err))
	}
}

// Send transmits one gateway command through the outbound rate limiter.
// Heartbeats bypass this and go straight to the socket.
func (s *Session) Send(ctx context.Context, op Opcode, d any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	defer s.limiter.Unlock()
	return s.writeMessage(message{Op: op, D: d})
}

func (s *Session) writeMessage(m message) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := jsonCodec.Marshal(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// UpdatePresence sends an op 3 presence update.
func (s *Session) UpdatePresence(ctx context.Context, presence PresenceUpdate) error {
	return s.Send(ctx, OpcodePresenceUpdate, presence)
}

// UpdateVoiceState joins, moves or (nil channelID) leaves a guild voice
// channel.
func (s *Session) UpdateVoiceState(ctx context.Context, guildID string, channelID *string, selfMute bool, selfDeaf bool) error {
	return s.Send(ctx, OpcodeVoiceStateUpdate, voiceStateUpdateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
}

// RequestMembers sends an op 8 guild member chunk request.
func (s *Session) RequestMembers(ctx context.Context, req RequestGuildMembers) error {
	return s.Send(ctx, OpcodeRequestGuildMembers, req)
}

// teardown cancels the heartbeat loop (via the listening channel) and
// closes the socket. Safe to call from any goroutine and idempotent.
func (s *Session) teardown(closeCode int) {
	s.mu.Lock()
	if s.listening != nil {
		close(s.listening)
		s.listening = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Close shuts the session down for good. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.limiter.Close(ctx)
	})
	s.teardown(websocket.CloseNormalClosure)

	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.resuming = false
	s.status = StatusClosed
	s.mu.Unlock()
	s.sequence.Store(0)
}

func (s *Session) isShutdown() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) enqueue(e *Event) {
	s.eventMu.Lock()
	s.events = append(s.events, e)
	s.eventMu.Unlock()

	select {
	case s.eventSignal <- struct{}{}:
	default:
	}
}

// dispatcher drains queued dispatch frames in arrival order, so a slow or
// panicking handler never blocks the read loop.
func (s *Session) dispatcher() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.eventSignal:
		}

		for {
			s.eventMu.Lock()
			if len(s.events) == 0 {
				s.eventMu.Unlock()
				break
			}
			e := s.events[0]
			s.events = s.events[1:]
			s.eventMu.Unlock()

			s.invoke(e)
		}
	}
}

func (s *Session) invoke(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.config.Logger.Error("event handler panicked",
				zap.String("event", e.Type), zap.Any("panic", r))
		}
	}()
	if s.config.EventHandler != nil {
		s.config.EventHandler(e.Type, e.RawData)
	}
}

// Status reports the current connection phase.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Latency is the last measured heartbeat round trip.
func (s *Session) Latency() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency
}

func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *Session) Sequence() int64 {
	return s.sequence.Load()
}
