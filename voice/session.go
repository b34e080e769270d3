// Package voice owns one realtime per-guild voice connection: its
// handshake/heartbeat/reconnect state machine, UDP endpoint discovery and
// the paced audio send loop.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrAlreadyConnected = errors.New("voice connection already exists")
	ErrNotConnected     = errors.New("no voice connection")
	ErrClosed           = errors.New("voice connection closed")
)

// State is the connection phase of a Conn.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateIdentifying
	StateReady
	StateReconnecting
	StateClosed
)

const APIVersion = "4"

// Conn is one guild's voice session. It is exclusively owned by that
// guild's handling path; no two sessions share a socket.
type Conn struct {
	guildID   string
	userID    string
	sessionID string

	config Config

	writeMu sync.Mutex

	mu                sync.RWMutex
	ws                *websocket.Conn
	listening         chan struct{}
	endpoint          string
	token             string
	ssrc              uint32
	ip                string
	port              int
	mode              string
	udp               *UDPConn
	heartbeatInterval time.Duration
	lastHeartbeatSent time.Time
	lastHeartbeatAck  time.Time
	lastNonce         int64
	latency           time.Duration
	resuming          bool
	state             State
	ready             chan struct{}
	player            *Player

	newServer chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn builds a voice session from the voice-state session id and the
// voice-server assignment the parent gateway delivered.
func NewConn(guildID string, userID string, sessionID string, update ServerUpdate, opts ...ConfigOpt) *Conn {
	config := DefaultConfig()
	config.Apply(opts)

	return &Conn{
		guildID:   guildID,
		userID:    userID,
		sessionID: sessionID,
		endpoint:  update.Endpoint,
		token:     update.Token,
		config:    *config,
		ready:     make(chan struct{}),
		newServer: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Open dials the voice gateway and sends IDENTIFY (or RESUME when
// recovering a resumable close). It returns once the socket is up; use
// WaitReady to block until audio can flow.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting

	url := c.endpoint
	if !strings.Contains(url, "://") {
		url = "wss://" + url
	}
	url += "?v=" + APIVersion

	ws, _, err := c.config.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.state = StateUnconnected
		c.mu.Unlock()
		return fmt.Errorf("dialing voice gateway: %w", err)
	}

	c.ws = ws
	c.listening = make(chan struct{})
	c.state = StateIdentifying
	resuming := c.resuming
	c.mu.Unlock()

	go c.readLoop(ws, c.listening)

	if resuming {
		return c.sendResume()
	}
	return c.sendIdentify()
}

func (c *Conn) readLoop(ws *websocket.Conn, listening <-chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.RLock()
			sameConnection := c.ws == ws
			c.mu.RUnlock()

			if sameConnection && !c.isShutdown() {
				c.handleClose(err)
			}
			return
		}

		select {
		case <-listening:
			return
		default:
			c.onEvent(data)
		}
	}
}

func (c *Conn) handleClose(err error) {
	code := -1
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	c.resetReady()

	switch classifyClose(code) {
	case closeResume:
		c.config.Logger.Warn("voice gateway closed, resuming",
			zap.String("guild", c.guildID), zap.Int("code", code), zap.Error(err))
		c.teardownWS()
		c.reconnect(true)
	case closeFresh:
		c.config.Logger.Warn("voice gateway closed, re-identifying",
			zap.String("guild", c.guildID), zap.Int("code", code), zap.Error(err))
		c.teardownWS()
		c.reconnect(false)
	case closeAwaitServer:
		c.config.Logger.Warn("disconnected from voice server, awaiting new assignment",
			zap.String("guild", c.guildID), zap.Int("code", code))
		c.teardownWS()
		c.awaitNewServer(err)
	default:
		c.config.Logger.Error("voice gateway closed, terminating",
			zap.String("guild", c.guildID), zap.Int("code", code), zap.Error(err))
		c.shutdown(err)
	}
}

func (c *Conn) onEvent(data []byte) {
	var e event
	if err := jsonCodec.Unmarshal(data, &e); err != nil {
		c.config.Logger.Debug("discarding undecodable voice frame", zap.Error(err))
		return
	}

	switch e.Operation {
	case OpcodeReady:
		var ready readyData
		if err := jsonCodec.Unmarshal(e.RawData, &ready); err != nil {
			return
		}
		if err := c.onReady(ready); err != nil {
			c.config.Logger.Error("voice handshake failed", zap.Error(err))
			c.shutdown(err)
		}

	case OpcodeHello:
		var hello helloData
		if err := jsonCodec.Unmarshal(e.RawData, &hello); err != nil {
			return
		}
		interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))

		c.mu.Lock()
		c.heartbeatInterval = interval
		c.lastHeartbeatSent = time.Time{}
		c.lastHeartbeatAck = time.Now()
		listening := c.listening
		c.mu.Unlock()

		go c.heartbeat(listening, interval)

	case OpcodeHeartbeatACK:
		var nonce int64
		_ = jsonCodec.Unmarshal(e.RawData, &nonce)

		c.mu.Lock()
		if nonce == c.lastNonce {
			c.lastHeartbeatAck = time.Now()
			c.latency = c.lastHeartbeatAck.Sub(c.lastHeartbeatSent)
		} else {
			// Stale ack; leaving lastHeartbeatAck behind lets the next
			// due heartbeat classify it as a timeout.
			c.config.Logger.Warn("voice heartbeat ack out of sync",
				zap.Int64("got", nonce), zap.Int64("want", c.lastNonce))
		}
		c.mu.Unlock()

	case OpcodeSessionDescription:
		var desc sessionDescriptionData
		if err := jsonCodec.Unmarshal(e.RawData, &desc); err != nil {
			return
		}
		var key [32]byte
		for i, b := range desc.SecretKey {
			if i >= len(key) {
				break
			}
			key[i] = byte(b)
		}

		c.mu.Lock()
		if desc.Mode != "" {
			c.mode = desc.Mode
		}
		mode := c.mode
		udp := c.udp
		c.state = StateReady
		c.resuming = false
		c.mu.Unlock()

		if udp != nil {
			udp.SetSecret(mode, key)
		}
		c.setReady()

	case OpcodeResumed:
		c.mu.Lock()
		c.state = StateReady
		c.resuming = false
		c.mu.Unlock()
		c.setReady()
	}
}

// onReady records the stream parameters, runs UDP endpoint discovery and
// answers with SELECT_PROTOCOL.
func (c *Conn) onReady(ready readyData) error {
	mode, err := SelectMode(ready.Modes)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DiscoveryTimeout)
	defer cancel()

	udp, err := DialUDP(ctx, ready.IP, ready.Port, ready.SSRC)
	if err != nil {
		return err
	}

	selfIP, selfPort, err := udp.Discover(c.config.DiscoveryTimeout)
	if err != nil {
		udp.Close()
		return err
	}
	c.config.Logger.Debug("ip discovery done",
		zap.String("ip", selfIP), zap.Uint16("port", selfPort))

	c.mu.Lock()
	c.ssrc = ready.SSRC
	c.ip = ready.IP
	c.port = ready.Port
	c.mode = mode
	if c.udp != nil {
		c.udp.Close()
	}
	c.udp = udp
	c.mu.Unlock()

	return c.send(message{Op: OpcodeSelectProtocol, D: selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInfo{
			Address: selfIP,
			Port:    selfPort,
			Mode:    mode,
		},
	}})
}

func (c *Conn) heartbeat(listening <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !c.sendHeartbeat() {
		return
	}

	for {
		select {
		case <-listening:
			return
		case <-ticker.C:
			if !c.sendHeartbeat() {
				return
			}
		}
	}
}

func (c *Conn) sendHeartbeat() bool {
	c.mu.RLock()
	sent, ack := c.lastHeartbeatSent, c.lastHeartbeatAck
	c.mu.RUnlock()

	if !sent.IsZero() && ack.Before(sent) {
		c.config.Logger.Warn("voice heartbeat timeout, reconnecting",
			zap.String("guild", c.guildID))
		c.resetReady()
		c.teardownWS()
		go c.reconnect(true)
		return false
	}

	nonce := time.Now().UnixMilli()
	if err := c.send(message{Op: OpcodeHeartbeat, D: nonce}); err != nil {
		c.config.Logger.Warn("voice heartbeat send failed, reconnecting", zap.Error(err))
		c.resetReady()
		c.teardownWS()
		go c.reconnect(true)
		return false
	}

	c.mu.Lock()
	c.lastHeartbeatSent = time.Now()
	c.lastNonce = nonce
	c.mu.Unlock()
	return true
}

// reconnect redials with backoff. A fresh reconnect drops the UDP socket
// so its counters restart from zero; a resume keeps socket and counters.
func (c *Conn) reconnect(resume bool) {
	c.mu.Lock()
	c.resuming = resume && c.sessionID != ""
	if !c.resuming {
		if c.udp != nil {
			c.udp.Close()
			c.udp = nil
		}
	}
	c.state = StateReconnecting
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		if c.isShutdown() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		err := c.Open(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrAlreadyConnected) {
			return
		}

		wait := bo.NextBackOff()
		c.config.Logger.Error("voice reconnect failed, retrying",
			zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-c.closed:
			return
		case <-time.After(wait):
		}
	}
}

// awaitNewServer waits a bounded time for the parent gateway to assign a
// replacement voice server, then reconnects fresh against it. Without an
// assignment the session ends.
func (c *Conn) awaitNewServer(origErr error) {
	select {
	case <-c.newServer:
		c.reconnect(false)
	case <-c.closed:
	case <-time.After(c.config.ServerWaitTimeout):
		c.config.Logger.Warn("no replacement voice server arrived, closing",
			zap.String("guild", c.guildID))
		c.shutdown(origErr)
	}
}

// UpdateServer applies a mid-session voice server reassignment. The live
// socket keeps running; the new endpoint takes effect on the next
// (re)connect, and any bounded wait for a new server is signalled.
func (c *Conn) UpdateServer(update ServerUpdate) {
	c.mu.Lock()
	c.endpoint = update.Endpoint
	c.token = update.Token
	if update.GuildID != "" {
		c.guildID = update.GuildID
	}
	c.mu.Unlock()

	select {
	case c.newServer <- struct{}{}:
	default:
	}
}

// UpdateSession refreshes the session id from a voice-state update.
func (c *Conn) UpdateSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Conn) sendIdentify() error {
	c.mu.RLock()
	data := identifyData{
		ServerID:  c.guildID,
		UserID:    c.userID,
		SessionID: c.sessionID,
		Token:     c.token,
	}
	c.mu.RUnlock()
	return c.send(message{Op: OpcodeIdentify, D: data})
}

func (c *Conn) sendResume() error {
	c.mu.RLock()
	data := resumeData{
		ServerID:  c.guildID,
		SessionID: c.sessionID,
		Token:     c.token,
	}
	c.mu.RUnlock()
	return c.send(message{Op: OpcodeResume, D: data})
}

// Speaking toggles the speaking indicator for this session's ssrc.
func (c *Conn) Speaking(flags SpeakingFlags, on bool) error {
	c.mu.RLock()
	ssrc := c.ssrc
	c.mu.RUnlock()

	speaking := 0
	if on {
		speaking = int(flags)
	}
	return c.send(message{Op: OpcodeSpeaking, D: speakingData{
		Speaking: speaking,
		Delay:    0,
		SSRC:     ssrc,
	}})
}

func (c *Conn) send(m message) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}

	raw, err := jsonCodec.Marshal(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// SendFrame transmits one encoded audio frame through the packet codec.
func (c *Conn) SendFrame(data []byte) error {
	c.mu.RLock()
	udp := c.udp
	c.mu.RUnlock()
	if udp == nil {
		return ErrNotConnected
	}
	return udp.SendFrame(data)
}

// WaitReady blocks until the session can carry audio, the context ends,
// or the session is closed.
func (c *Conn) WaitReady(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether audio can flow right now.
func (c *Conn) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	select {
	case <-c.ready:
		return c.state == StateReady
	default:
		return false
	}
}

func (c *Conn) setReady() {
	c.mu.Lock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()
}

func (c *Conn) resetReady() {
	c.mu.Lock()
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	c.mu.Unlock()
}

func (c *Conn) teardownWS() {
	c.mu.Lock()
	if c.listening != nil {
		close(c.listening)
		c.listening = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, ""))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
}

// shutdown ends the session for good and reports it once.
func (c *Conn) shutdown(err error) {
	alreadyClosed := c.isShutdown()
	c.Close(context.Background())
	if !alreadyClosed && c.config.OnClose != nil {
		c.config.OnClose(err)
	}
}

// Close terminates the session, the audio player and the UDP socket.
// Idempotent.
func (c *Conn) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	c.mu.RLock()
	player := c.player
	c.mu.RUnlock()
	if player != nil {
		player.Stop()
	}

	c.teardownWS()

	c.mu.Lock()
	if c.udp != nil {
		c.udp.Close()
		c.udp = nil
	}
	c.state = StateClosed
	c.mu.Unlock()
}

func (c *Conn) isShutdown() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// State reports the current connection phase.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Latency is the last measured voice heartbeat round trip.
func (c *Conn) Latency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latency
}

func (c *Conn) GuildID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.guildID
}

func (c *Conn) SSRC() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ssrc
}
