// Package dico is a client for the Discord realtime API: REST with
// rate-limit arbitration, a gateway session and per-guild voice
// connections, tied together behind one event handler registry.
package dico

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dico-api/dico-sub000/gateway"
	"github.com/dico-api/dico-sub000/rest"
	"github.com/dico-api/dico-sub000/voice"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrVoiceAlreadyConnected = errors.New("already connected to voice in this guild")
	ErrVoiceNotConnected     = errors.New("not connected to voice in this guild")
)

// Handler receives one dispatched gateway event. Handlers for the same
// event run in registration order; a panic in one is logged and does not
// reach the others.
type Handler func(eventType string, data json.RawMessage)

type registeredHandler struct {
	id int
	fn Handler
}

// Client owns the REST transport, the gateway session and any live voice
// connections.
type Client struct {
	Rest    *rest.Client
	Gateway *gateway.Session

	logger *zap.Logger
	config Config

	mu       sync.RWMutex
	handlers map[string][]registeredHandler
	nextID   int
	userID   string
	voices   map[string]*voice.Conn
}

func New(token string, opts ...ConfigOpt) *Client {
	config := DefaultConfig()
	config.Apply(opts)

	c := &Client{
		logger:   config.Logger,
		config:   *config,
		handlers: map[string][]registeredHandler{},
		voices:   map[string]*voice.Conn{},
	}

	c.Rest = rest.New(token, append([]rest.ConfigOpt{
		rest.WithLogger(config.Logger),
	}, config.RestOpts...)...)

	c.Gateway = gateway.New(token, append([]gateway.ConfigOpt{
		gateway.WithLogger(config.Logger),
		gateway.WithEventHandler(c.dispatch),
	}, config.GatewayOpts...)...)

	return c
}

// Open connects the gateway session.
func (c *Client) Open(ctx context.Context) error {
	return c.Gateway.Open(ctx)
}

// Close shuts down every voice connection and the gateway session.
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	voices := c.voices
	c.voices = map[string]*voice.Conn{}
	c.mu.Unlock()

	for _, conn := range voices {
		conn.Close(ctx)
	}
	c.Gateway.Close(ctx)
}

// On registers a handler for an event type and returns an id for Off.
func (c *Client) On(eventType string, fn Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.handlers[eventType] = append(c.handlers[eventType], registeredHandler{id: c.nextID, fn: fn})
	return c.nextID
}

// Off removes a handler registered with On.
func (c *Client) Off(eventType string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handlers[eventType]
	for i, h := range hs {
		if h.id == id {
			c.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
			return
		}
	}
}

// UserID is the bot's own user id, known once READY arrives.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) dispatch(eventType string, data json.RawMessage) {
	switch eventType {
	case "READY":
		var ready struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
		}
		if err := jsonCodec.Unmarshal(data, &ready); err == nil {
			c.mu.Lock()
			c.userID = ready.User.ID
			c.mu.Unlock()
		}

	case "VOICE_SERVER_UPDATE":
		var update gateway.VoiceServerUpdateEvent
		if err := jsonCodec.Unmarshal(data, &update); err == nil {
			c.mu.RLock()
			conn := c.voices[update.GuildID]
			c.mu.RUnlock()
			if conn != nil {
				conn.UpdateServer(voice.ServerUpdate{
					GuildID:  update.GuildID,
					Endpoint: update.Endpoint,
					Token:    update.Token,
				})
			}
		}

	case "VOICE_STATE_UPDATE":
		var state gateway.VoiceStateUpdateEvent
		if err := jsonCodec.Unmarshal(data, &state); err == nil && state.UserID == c.UserID() {
			c.mu.RLock()
			conn := c.voices[state.GuildID]
			c.mu.RUnlock()
			if conn != nil {
				conn.UpdateSession(state.SessionID)
			}
		}
	}

	c.mu.RLock()
	hs := append([]registeredHandler(nil), c.handlers[eventType]...)
	c.mu.RUnlock()

	for _, h := range hs {
		c.invoke(eventType, h, data)
	}
}

func (c *Client) invoke(eventType string, h registeredHandler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked",
				zap.String("event", eventType), zap.Any("panic", r))
		}
	}()
	h.fn(eventType, data)
}

// ConnectVoice joins a voice channel: it sends the voice state update,
// waits for the gateway to deliver the session id and server assignment,
// then opens the voice connection and blocks until it can carry audio.
func (c *Client) ConnectVoice(ctx context.Context, guildID string, channelID string) (*voice.Conn, error) {
	c.mu.Lock()
	if _, ok := c.voices[guildID]; ok {
		c.mu.Unlock()
		return nil, ErrVoiceAlreadyConnected
	}
	c.mu.Unlock()

	stateCh := make(chan gateway.VoiceStateUpdateEvent, 1)
	serverCh := make(chan gateway.VoiceServerUpdateEvent, 1)

	stateID := c.On("VOICE_STATE_UPDATE", func(_ string, data json.RawMessage) {
		var state gateway.VoiceStateUpdateEvent
		if jsonCodec.Unmarshal(data, &state) == nil && state.GuildID == guildID && state.UserID == c.UserID() {
			select {
			case stateCh <- state:
			default:
			}
		}
	})
	defer c.Off("VOICE_STATE_UPDATE", stateID)

	serverID := c.On("VOICE_SERVER_UPDATE", func(_ string, data json.RawMessage) {
		var update gateway.VoiceServerUpdateEvent
		if jsonCodec.Unmarshal(data, &update) == nil && update.GuildID == guildID {
			select {
			case serverCh <- update:
			default:
			}
		}
	})
	defer c.Off("VOICE_SERVER_UPDATE", serverID)

	if err := c.Gateway.UpdateVoiceState(ctx, guildID, &channelID, c.config.SelfMute, c.config.SelfDeaf); err != nil {
		return nil, err
	}

	var state gateway.VoiceStateUpdateEvent
	var server gateway.VoiceServerUpdateEvent
	gotState, gotServer := false, false
	for !gotState || !gotServer {
		select {
		case state = <-stateCh:
			gotState = true
		case server = <-serverCh:
			gotServer = true
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for voice assignment: %w", ctx.Err())
		}
	}

	conn := voice.NewConn(guildID, c.UserID(), state.SessionID, voice.ServerUpdate{
		GuildID:  server.GuildID,
		Endpoint: server.Endpoint,
		Token:    server.Token,
	}, append([]voice.ConfigOpt{voice.WithLogger(c.logger)}, c.config.VoiceOpts...)...)

	// Registered before Open so a server reassignment arriving mid
	// handshake reaches the connection.
	c.mu.Lock()
	c.voices[guildID] = conn
	c.mu.Unlock()

	if err := conn.Open(ctx); err != nil {
		c.dropVoice(guildID)
		return nil, err
	}
	if err := conn.WaitReady(ctx); err != nil {
		conn.Close(context.Background())
		c.dropVoice(guildID)
		return nil, err
	}
	return conn, nil
}

// DisconnectVoice leaves the guild's voice channel and closes the
// connection.
func (c *Client) DisconnectVoice(ctx context.Context, guildID string) error {
	c.mu.Lock()
	conn, ok := c.voices[guildID]
	delete(c.voices, guildID)
	c.mu.Unlock()
	if !ok {
		return ErrVoiceNotConnected
	}

	err := c.Gateway.UpdateVoiceState(ctx, guildID, nil, false, false)
	conn.Close(ctx)
	return err
}

// VoiceConn returns the live voice connection for a guild, if any.
func (c *Client) VoiceConn(guildID string) *voice.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voices[guildID]
}

func (c *Client) dropVoice(guildID string) {
	c.mu.Lock()
	delete(c.voices, guildID)
	c.mu.Unlock()
}
