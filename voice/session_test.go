package voice_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dico-api/dico-sub000/voice"
)

// fakeVoiceGateway accepts voice websocket connections so the test can
// script the server side of the handshake.
type fakeVoiceGateway struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeVoiceGateway(t *testing.T) *fakeVoiceGateway {
	t.Helper()

	fg := &fakeVoiceGateway{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fg.conns <- conn
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeVoiceGateway) endpoint() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func (fg *fakeVoiceGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fg.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no voice connection arrived")
		return nil
	}
}

func (fg *fakeVoiceGateway) expectNoConn(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-fg.conns:
		t.Fatal("unexpected voice connection")
	case <-time.After(within):
	}
}

type voiceInbound struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func sendVoiceOp(t *testing.T, conn *websocket.Conn, op int, d any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"op": op, "d": d}))
}

// readVoiceOp skips frames until the wanted opcode arrives, acking any
// heartbeat it skips over by echoing its nonce.
func readVoiceOp(t *testing.T, conn *websocket.Conn, op int) voiceInbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var in voiceInbound
		require.NoError(t, conn.ReadJSON(&in), "waiting for voice op %d", op)
		if in.Op == op {
			return in
		}
		if in.Op == 3 {
			require.NoError(t, conn.WriteJSON(map[string]any{"op": 6, "d": in.D}))
		}
	}
}

func testKey() [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func keyInts(key [32]byte) []int {
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	return ints
}

// completeHandshake drives the server side from hello through session
// description and returns the decoded identify payload.
func completeHandshake(t *testing.T, conn *websocket.Conn, udp *fakeVoiceServer, ssrc uint32, key [32]byte) voiceInbound {
	t.Helper()

	sendVoiceOp(t, conn, 8, map[string]any{"heartbeat_interval": 60_000.0})
	identify := readVoiceOp(t, conn, 0)

	_, udpPort := udp.addr()
	sendVoiceOp(t, conn, 2, map[string]any{
		"ssrc":  ssrc,
		"ip":    "127.0.0.1",
		"port":  udpPort,
		"modes": []string{"xsalsa20_poly1305", "xsalsa20_poly1305_suffix"},
	})

	sel := readVoiceOp(t, conn, 1)
	var selData struct {
		Protocol string `json:"protocol"`
		Data     struct {
			Address string `json:"address"`
			Port    uint16 `json:"port"`
			Mode    string `json:"mode"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sel.D, &selData))
	assert.Equal(t, "udp", selData.Protocol)
	assert.Equal(t, udp.ip, selData.Data.Address)
	assert.Equal(t, udp.port, selData.Data.Port)
	assert.Equal(t, voice.ModeXSalsa20Poly1305Suffix, selData.Data.Mode)

	sendVoiceOp(t, conn, 4, map[string]any{
		"mode":       voice.ModeXSalsa20Poly1305Suffix,
		"secret_key": keyInts(key),
	})
	return identify
}

func newTestConn(fg *fakeVoiceGateway, opts ...voice.ConfigOpt) *voice.Conn {
	return voice.NewConn("guild-1", "user-1", "vsess-1", voice.ServerUpdate{
		GuildID:  "guild-1",
		Endpoint: fg.endpoint(),
		Token:    "vtoken-1",
	}, opts...)
}

func TestVoiceHandshakeToReady(t *testing.T) {
	t.Parallel()

	fg := newFakeVoiceGateway(t)
	udp := newFakeVoiceServer(t, "203.0.113.5", 50000)

	c := newTestConn(fg)
	defer c.Close(context.Background())

	require.NoError(t, c.Open(context.Background()))
	conn := fg.accept(t)

	identify := completeHandshake(t, conn, udp, 777, testKey())
	var idData struct {
		ServerID  string `json:"server_id"`
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(identify.D, &idData))
	assert.Equal(t, "guild-1", idData.ServerID)
	assert.Equal(t, "user-1", idData.UserID)
	assert.Equal(t, "vsess-1", idData.SessionID)
	assert.Equal(t, "vtoken-1", idData.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	assert.Equal(t, voice.StateReady, c.State())
	assert.EqualValues(t, 777, c.SSRC())

	require.NoError(t, c.SendFrame([]byte("opus-frame")))
	pkt := udp.recvPacket(t)
	payload, err := voice.NewEncryptor(testKey()).Decrypt(voice.ModeXSalsa20Poly1305Suffix, pkt, 12)
	require.NoError(t, err)
	assert.Equal(t, []byte("opus-frame"), payload)
}

func TestVoiceHeartbeatNonceEcho(t *testing.T) {
	t.Parallel()

	fg := newFakeVoiceGateway(t)
	c := newTestConn(fg)
	defer c.Close(context.Background())

	require.NoError(t, c.Open(context.Background()))
	conn := fg.accept(t)

	sendVoiceOp(t, conn, 8, map[string]any{"heartbeat_interval": 100.0})
	readVoiceOp(t, conn, 0)

	// Echo every heartbeat nonce like a well-behaved server.
	go func() {
		for {
			var in voiceInbound
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			if in.Op == 3 {
				if err := conn.WriteJSON(map[string]any{"op": 6, "d": in.D}); err != nil {
					return
				}
			}
		}
	}()

	fg.expectNoConn(t, 500*time.Millisecond)
	assert.Greater(t, c.Latency(), time.Duration(0))
}

func TestVoiceServerCrashResumes(t *testing.T) {
	t.Parallel()

	fg := newFakeVoiceGateway(t)
	udp := newFakeVoiceServer(t, "203.0.113.5", 50000)

	c := newTestConn(fg)
	defer c.Close(context.Background())

	require.NoError(t, c.Open(context.Background()))
	conn := fg.accept(t)
	completeHandshake(t, conn, udp, 7, testKey())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
	require.NoError(t, c.SendFrame([]byte("one")))
	udp.recvPacket(t)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(4015, "voice server crashed")))

	conn2 := fg.accept(t)
	sendVoiceOp(t, conn2, 8, map[string]any{"heartbeat_interval": 60_000.0})

	resume := readVoiceOp(t, conn2, 7)
	var resData struct {
		ServerID  string `json:"server_id"`
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resume.D, &resData))
	assert.Equal(t, "guild-1", resData.ServerID)
	assert.Equal(t, "vsess-1", resData.SessionID)
	assert.Equal(t, "vtoken-1", resData.Token)

	sendVoiceOp(t, conn2, 9, map[string]any{})

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	require.NoError(t, c.WaitReady(ctx2))

	// The audio socket survived the resume, so the packet counters carry
	// on from where they were.
	require.NoError(t, c.SendFrame([]byte("two")))
	pkt := udp.recvPacket(t)
	assert.EqualValues(t, 2, pkt[3], "sequence must continue across a resume")
}

func TestVoiceDisconnectAwaitsNewServer(t *testing.T) {
	t.Parallel()

	fg := newFakeVoiceGateway(t)
	udp := newFakeVoiceServer(t, "203.0.113.5", 50000)

	c := newTestConn(fg, voice.WithServerWaitTimeout(3*time.Second))
	defer c.Close(context.Background())

	require.NoError(t, c.Open(context.Background()))
	conn := fg.accept(t)
	completeHandshake(t, conn, udp, 7, testKey())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(4014, "disconnected")))

	// The parent gateway hands over a replacement assignment; the session
	// must re-identify fresh against it with the new token.
	time.Sleep(100 * time.Millisecond)
	c.UpdateServer(voice.ServerUpdate{
		GuildID:  "guild-1",
		Endpoint: fg.endpoint(),
		Token:    "vtoken-2",
	})

	conn2 := fg.accept(t)
	identify := completeHandshake(t, conn2, udp, 8, testKey())
	var idData struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(identify.D, &idData))
	assert.Equal(t, "vtoken-2", idData.Token)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	require.NoError(t, c.WaitReady(ctx2))

	// Fresh socket, fresh counters.
	require.NoError(t, c.SendFrame([]byte("fresh")))
	pkt := udp.recvPacket(t)
	assert.EqualValues(t, 1, pkt[3], "fresh reconnect must reset the sequence")
}

func TestVoiceTerminalCloseEndsSession(t *testing.T) {
	t.Parallel()

	fg := newFakeVoiceGateway(t)

	closed := make(chan error, 1)
	c := newTestConn(fg, voice.WithOnClose(func(err error) { closed <- err }))
	defer c.Close(context.Background())

	require.NoError(t, c.Open(context.Background()))
	conn := fg.accept(t)

	sendVoiceOp(t, conn, 8, map[string]any{"heartbeat_interval": 60_000.0})
	readVoiceOp(t, conn, 0)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(4006, "session no longer valid")))

	select {
	case err := <-closed:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("close handler never invoked")
	}

	fg.expectNoConn(t, 300*time.Millisecond)
	assert.Equal(t, voice.StateClosed, c.State())
}

func TestVoiceOpenTwiceFails(t *testing.T) {
	t.Parallel()

	fg := newFakeVoiceGateway(t)
	c := newTestConn(fg)
	defer c.Close(context.Background())

	require.NoError(t, c.Open(context.Background()))
	fg.accept(t)
	require.ErrorIs(t, c.Open(context.Background()), voice.ErrAlreadyConnected)
}
