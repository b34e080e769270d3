package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Audio constants for the 48kHz stereo opus stream.
const (
	SampleRate      = 48000
	FrameLength     = 20 * time.Millisecond
	SamplesPerFrame = 960
	Channels        = 2
)

const discoveryPacketSize = 70

var ErrNoSecretKey = errors.New("no secret key negotiated yet")

// UDPConn is the per-session audio transport. It builds the RTP-like
// header, advances the sequence/timestamp counters and encrypts each
// frame before it hits the wire.
type UDPConn struct {
	conn net.Conn
	ssrc uint32

	mu        sync.Mutex
	seq       uint16
	timestamp uint32
	mode      string
	encryptor *Encryptor
}

// DialUDP connects the audio socket to the voice server's endpoint.
func DialUDP(ctx context.Context, ip string, port int, ssrc uint32) (*UDPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dialing voice udp: %w", err)
	}
	return &UDPConn{conn: conn, ssrc: ssrc}, nil
}

// Discover performs IP discovery: a 70-byte probe carrying the ssrc is
// echoed back with the address and port this socket is publicly visible
// on. deadline bounds the read so a dead server cannot hang the
// handshake.
func (u *UDPConn) Discover(deadline time.Duration) (string, uint16, error) {
	probe := make([]byte, discoveryPacketSize)
	probe[0] = 0x1
	binary.BigEndian.PutUint16(probe[2:4], discoveryPacketSize)
	binary.BigEndian.PutUint32(probe[4:8], u.ssrc)

	if _, err := u.conn.Write(probe); err != nil {
		return "", 0, fmt.Errorf("sending discovery probe: %w", err)
	}

	if err := u.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return "", 0, err
	}
	defer u.conn.SetReadDeadline(time.Time{})

	resp := make([]byte, discoveryPacketSize)
	n, err := u.conn.Read(resp)
	if err != nil {
		return "", 0, fmt.Errorf("reading discovery response: %w", err)
	}
	if n < discoveryPacketSize {
		return "", 0, fmt.Errorf("short discovery response: %d bytes", n)
	}
	// Null-terminated ASCII address starting at byte 4, port in the last
	// two bytes.
	addr := resp[4:]
	end := 0
	for end < len(addr)-2 && addr[end] != 0 {
		end++
	}
	ip := string(addr[:end])
	port := binary.BigEndian.Uint16(resp[discoveryPacketSize-2:])
	return ip, port, nil
}

// SetSecret arms the codec with the negotiated mode and key.
func (u *UDPConn) SetSecret(mode string, key [32]byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.mode = mode
	u.encryptor = NewEncryptor(key)
}

// SendFrame packetizes and transmits one 20ms audio frame. The sequence
// counter advances by one and the timestamp by the frame's sample count;
// both wrap at their bit width.
func (u *UDPConn) SendFrame(data []byte) error {
	u.mu.Lock()
	if u.encryptor == nil {
		u.mu.Unlock()
		return ErrNoSecretKey
	}
	u.seq++
	u.timestamp += SamplesPerFrame

	header := make([]byte, 12)
	header[0] = 0x80
	header[1] = 0x78
	binary.BigEndian.PutUint16(header[2:4], u.seq)
	binary.BigEndian.PutUint32(header[4:8], u.timestamp)
	binary.BigEndian.PutUint32(header[8:12], u.ssrc)

	packet, err := u.encryptor.Encrypt(u.mode, header, data)
	u.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = u.conn.Write(packet)
	return err
}

// Counters reports the current sequence and timestamp values.
func (u *UDPConn) Counters() (uint16, uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seq, u.timestamp
}

// Reset zeroes the packet counters. Only done when the socket is freshly
// re-established, never across a resume.
func (u *UDPConn) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq = 0
	u.timestamp = 0
}

func (u *UDPConn) Close() error {
	return u.conn.Close()
}
