package voice

import (
	"encoding/json"
)

type event struct {
	Operation Opcode          `json:"op"`
	RawData   json.RawMessage `json:"d"`
}

type message struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type resumeData struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// The voice hello interval arrives as a float in v4.
type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type sessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []int  `json:"secret_key"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolInfo `json:"data"`
}

type selectProtocolInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// ServerUpdate is the per-guild voice server assignment forwarded from
// the parent gateway session.
type ServerUpdate struct {
	GuildID  string
	Endpoint string
	Token    string
}
