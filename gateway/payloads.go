package gateway

import (
	"encoding/json"
)

// Event is the {op, s, t, d} envelope every gateway frame arrives in.
type Event struct {
	Operation Opcode          `json:"op"`
	Sequence  int64           `json:"s,omitempty"`
	Type      string          `json:"t,omitempty"`
	RawData   json.RawMessage `json:"d,omitempty"`
}

// message is the outbound envelope.
type message struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Intents        int64              `json:"intents"`
	Properties     identifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          []int              `json:"shard,omitempty"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// PresenceUpdate is the op 3 payload.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

type voiceStateUpdateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers is the op 8 payload.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// VoiceStateUpdateEvent is the dispatch payload the voice layer needs to
// learn its session id.
type VoiceStateUpdateEvent struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
}

// VoiceServerUpdateEvent carries the per-guild voice endpoint and token.
type VoiceServerUpdateEvent struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}
