package gateway

// Opcode is a gateway control opcode.
type Opcode int

const (
	OpcodeDispatch            Opcode = 0
	OpcodeHeartbeat           Opcode = 1
	OpcodeIdentify            Opcode = 2
	OpcodePresenceUpdate      Opcode = 3
	OpcodeVoiceStateUpdate    Opcode = 4
	OpcodeResume              Opcode = 6
	OpcodeReconnect           Opcode = 7
	OpcodeRequestGuildMembers Opcode = 8
	OpcodeInvalidSession      Opcode = 9
	OpcodeHello               Opcode = 10
	OpcodeHeartbeatACK        Opcode = 11
)

// Close codes the gateway may send.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

type closeBehavior int

const (
	closeResume closeBehavior = iota
	closeFresh
	closeFatal
)

// classifyClose decides whether a close code allows resuming the session,
// requires a fresh identify, or ends the session for good.
func classifyClose(code int) closeBehavior {
	switch code {
	case 1001, 1006,
		CloseUnknownError, CloseUnknownOpcode, CloseDecodeError,
		CloseNotAuthenticated, CloseAlreadyAuthenticated, CloseInvalidSeq,
		CloseRateLimited, CloseSessionTimedOut:
		return closeResume
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return closeFatal
	default:
		return closeFresh
	}
}
