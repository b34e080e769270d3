package dico_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dico "github.com/dico-api/dico-sub000"
	"github.com/dico-api/dico-sub000/gateway"
	"github.com/dico-api/dico-sub000/voice"
)

type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	ws := &wsServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.conns <- conn
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ws.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

type frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// readOp skips frames until the wanted opcode arrives, acking heartbeats
// on the way (op 1 on the main gateway, op 3 with a nonce echo on voice).
func readOp(t *testing.T, conn *websocket.Conn, op int) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var in frame
		require.NoError(t, conn.ReadJSON(&in), "waiting for op %d", op)
		if in.Op == op {
			return in
		}
		switch in.Op {
		case 1:
			require.NoError(t, conn.WriteJSON(map[string]any{"op": 11}))
		case 3:
			require.NoError(t, conn.WriteJSON(map[string]any{"op": 6, "d": in.D}))
		}
	}
}

func sendDispatch(t *testing.T, conn *websocket.Conn, seq int64, eventType string, d any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"op": 0, "s": seq, "t": eventType, "d": d}))
}

// startClient opens a client against a scripted gateway and completes the
// hello/identify/READY exchange for bot user "bot-1".
func startClient(t *testing.T, opts ...dico.ConfigOpt) (*dico.Client, *websocket.Conn) {
	t.Helper()

	gw := newWSServer(t)
	c := dico.New("token", append(opts,
		dico.WithGatewayOpts(gateway.WithURL(gw.url())),
	)...)
	t.Cleanup(func() { c.Close(context.Background()) })

	require.NoError(t, c.Open(context.Background()))
	conn := gw.accept(t)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"op": 10, "d": map[string]any{"heartbeat_interval": 60_000},
	}))
	readOp(t, conn, 2)
	sendDispatch(t, conn, 1, "READY", map[string]any{
		"session_id":         "sess-1",
		"resume_gateway_url": gw.url(),
		"user":               map[string]any{"id": "bot-1"},
	})
	require.Eventually(t, func() bool { return c.UserID() == "bot-1" }, 3*time.Second, 10*time.Millisecond)
	return c, conn
}

func TestClientDispatchesToHandlers(t *testing.T) {
	t.Parallel()

	c, conn := startClient(t)

	got := make(chan string, 8)
	id := c.On("MESSAGE_CREATE", func(_ string, data json.RawMessage) {
		var msg struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		got <- msg.Content
	})

	sendDispatch(t, conn, 2, "MESSAGE_CREATE", map[string]any{"content": "ping"})
	select {
	case content := <-got:
		assert.Equal(t, "ping", content)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	c.Off("MESSAGE_CREATE", id)
	sendDispatch(t, conn, 3, "MESSAGE_CREATE", map[string]any{"content": "pong"})
	select {
	case <-got:
		t.Fatal("removed handler still ran")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientHandlerPanicIsolation(t *testing.T) {
	t.Parallel()

	c, conn := startClient(t)

	var mu sync.Mutex
	var seen []string
	c.On("GUILD_CREATE", func(string, json.RawMessage) {
		mu.Lock()
		seen = append(seen, "first")
		mu.Unlock()
		panic("handler blew up")
	})
	c.On("GUILD_CREATE", func(string, json.RawMessage) {
		mu.Lock()
		seen = append(seen, "second")
		mu.Unlock()
	})

	sendDispatch(t, conn, 2, "GUILD_CREATE", map[string]any{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 3*time.Second, 10*time.Millisecond, "a panicking handler must not stop the next one")
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, seen)
	mu.Unlock()
}

// udpEcho answers voice discovery probes and swallows audio packets.
func udpEcho(t *testing.T) (string, int) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n == 70 && buf[0] == 0x1 {
				resp := make([]byte, 70)
				copy(resp[4:], "203.0.113.1")
				binary.BigEndian.PutUint16(resp[68:], 50001)
				_, _ = pc.WriteTo(resp, addr)
			}
		}
	}()
	return "127.0.0.1", pc.LocalAddr().(*net.UDPAddr).Port
}

// serveVoiceHandshake scripts a voice gateway connection from hello
// through session description.
func serveVoiceHandshake(t *testing.T, conn *websocket.Conn, udpIP string, udpPort int) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"op": 8, "d": map[string]any{"heartbeat_interval": 60_000.0},
	}))
	readOp(t, conn, 0)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"op": 2, "d": map[string]any{
			"ssrc":  42,
			"ip":    udpIP,
			"port":  udpPort,
			"modes": []string{"xsalsa20_poly1305_suffix"},
		},
	}))
	readOp(t, conn, 1)

	key := make([]int, 32)
	for i := range key {
		key[i] = i
	}
	require.NoError(t, conn.WriteJSON(map[string]any{
		"op": 4, "d": map[string]any{
			"mode":       "xsalsa20_poly1305_suffix",
			"secret_key": key,
		},
	}))
}

func TestConnectVoice(t *testing.T) {
	t.Parallel()

	c, conn := startClient(t)

	vg := newWSServer(t)
	udpIP, udpPort := udpEcho(t)

	// The server side answers the voice state update with the session id
	// and server assignment, then completes the voice handshake.
	go func() {
		vsu := readOp(t, conn, 4)
		var req struct {
			GuildID   string  `json:"guild_id"`
			ChannelID *string `json:"channel_id"`
		}
		if json.Unmarshal(vsu.D, &req) != nil || req.ChannelID == nil {
			return
		}
		sendDispatch(t, conn, 2, "VOICE_STATE_UPDATE", map[string]any{
			"guild_id":   req.GuildID,
			"channel_id": *req.ChannelID,
			"user_id":    "bot-1",
			"session_id": "vsess-9",
		})
		sendDispatch(t, conn, 3, "VOICE_SERVER_UPDATE", map[string]any{
			"guild_id": req.GuildID,
			"endpoint": vg.url(),
			"token":    "vtok-9",
		})

		serveVoiceHandshake(t, vg.accept(t), udpIP, udpPort)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	vc, err := c.ConnectVoice(ctx, "guild-9", "chan-9")
	require.NoError(t, err)
	assert.Equal(t, voice.StateReady, vc.State())
	assert.EqualValues(t, 42, vc.SSRC())
	assert.Same(t, vc, c.VoiceConn("guild-9"))

	_, err = c.ConnectVoice(ctx, "guild-9", "chan-9")
	require.ErrorIs(t, err, dico.ErrVoiceAlreadyConnected)

	// Leaving clears the channel on the gateway and drops the connection.
	done := make(chan error, 1)
	go func() { done <- c.DisconnectVoice(context.Background(), "guild-9") }()

	leave := readOp(t, conn, 4)
	var leaveReq struct {
		GuildID   string  `json:"guild_id"`
		ChannelID *string `json:"channel_id"`
	}
	require.NoError(t, json.Unmarshal(leave.D, &leaveReq))
	assert.Equal(t, "guild-9", leaveReq.GuildID)
	assert.Nil(t, leaveReq.ChannelID)

	require.NoError(t, <-done)
	assert.Nil(t, c.VoiceConn("guild-9"))
	require.ErrorIs(t, c.DisconnectVoice(context.Background(), "guild-9"), dico.ErrVoiceNotConnected)
}
