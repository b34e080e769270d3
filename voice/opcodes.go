package voice

// Opcode is a voice gateway control opcode.
type Opcode int

const (
	OpcodeIdentify           Opcode = 0
	OpcodeSelectProtocol     Opcode = 1
	OpcodeReady              Opcode = 2
	OpcodeHeartbeat          Opcode = 3
	OpcodeSessionDescription Opcode = 4
	OpcodeSpeaking           Opcode = 5
	OpcodeHeartbeatACK       Opcode = 6
	OpcodeResume             Opcode = 7
	OpcodeHello              Opcode = 8
	OpcodeResumed            Opcode = 9
	OpcodeClientDisconnect   Opcode = 13
)

// Close codes the voice gateway may send.
const (
	CloseSessionNoLongerValid = 4006
	CloseSessionTimedOut      = 4009
	CloseServerNotFound       = 4011
	CloseDisconnected         = 4014
	CloseServerCrashed        = 4015
	CloseUnknownEncryption    = 4016
)

// SpeakingFlags mark what kind of audio the client transmits.
type SpeakingFlags int

const (
	SpeakingMicrophone SpeakingFlags = 1 << iota
	SpeakingSoundshare
	SpeakingPriority
)

type closeBehavior int

const (
	closeResume closeBehavior = iota
	closeFresh
	closeAwaitServer
	closeTerminal
)

// classifyClose maps a voice close code to the recovery path. A crashed
// voice server resumes; a timed-out session re-identifies; a disconnect
// waits briefly for a replacement server assignment before giving up.
func classifyClose(code int) closeBehavior {
	switch code {
	case -1, 1001, 1006, CloseServerCrashed:
		return closeResume
	case CloseSessionTimedOut:
		return closeFresh
	case CloseDisconnected:
		return closeAwaitServer
	default:
		return closeTerminal
	}
}
