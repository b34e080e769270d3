package voice

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ModeXSalsa20Poly1305Suffix appends a random 24-byte nonce after the
// ciphertext: header || box || nonce.
const ModeXSalsa20Poly1305Suffix = "xsalsa20_poly1305_suffix"

// SupportedModes lists the encryption modes this client can negotiate,
// in local preference order.
var SupportedModes = []string{ModeXSalsa20Poly1305Suffix}

// SelectMode picks the first mutually supported mode in the server's
// preference order.
func SelectMode(serverModes []string) (string, error) {
	for _, mode := range serverModes {
		for _, supported := range SupportedModes {
			if mode == supported {
				return mode, nil
			}
		}
	}
	return "", fmt.Errorf("no supported encryption mode offered (server offered %v)", serverModes)
}

// Encryptor seals audio payloads with the session's secret key.
type Encryptor struct {
	key [32]byte
}

func NewEncryptor(key [32]byte) *Encryptor {
	return &Encryptor{key: key}
}

// Encrypt produces the wire packet for one frame under the given mode.
func (e *Encryptor) Encrypt(mode string, header []byte, data []byte) ([]byte, error) {
	switch mode {
	case ModeXSalsa20Poly1305Suffix:
		var nonce [24]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, err
		}
		packet := secretbox.Seal(append([]byte(nil), header...), data, &nonce, &e.key)
		return append(packet, nonce[:]...), nil
	default:
		return nil, fmt.Errorf("encryption mode %q not available", mode)
	}
}

// Decrypt reverses Encrypt given the header length, mainly so received
// packets (and tests) can be opened with the session key.
func (e *Encryptor) Decrypt(mode string, packet []byte, headerLen int) ([]byte, error) {
	switch mode {
	case ModeXSalsa20Poly1305Suffix:
		if len(packet) < headerLen+24 {
			return nil, fmt.Errorf("packet too short: %d bytes", len(packet))
		}
		var nonce [24]byte
		copy(nonce[:], packet[len(packet)-24:])
		data, ok := secretbox.Open(nil, packet[headerLen:len(packet)-24], &nonce, &e.key)
		if !ok {
			return nil, fmt.Errorf("packet authentication failed")
		}
		return data, nil
	default:
		return nil, fmt.Errorf("encryption mode %q not available", mode)
	}
}
