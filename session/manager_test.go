package session

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-replicon/channel"
	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
	"github.com/cyberinferno/go-replicon/transport"
)

const chatEvent protocol.EventKind = 1

type recorder struct {
	connected    []ID
	disconnected map[ID][]DisconnectReason
}

func (r *recorder) SessionConnected(s *Session) {
	r.connected = append(r.connected, s.ID)
}

func (r *recorder) SessionDisconnected(s *Session, reason DisconnectReason) {
	r.disconnected[s.ID] = append(r.disconnected[s.ID], reason)
}

type harness struct {
	t       *testing.T
	schema  *protocol.Schema
	chat    protocol.ChannelID
	mgr     *Manager
	rec     *recorder
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	schema := protocol.NewSchema(0, protocol.ReliableOrdered)
	chat, err := schema.RegisterEvent(chatEvent, "chat", protocol.ClientToServer, protocol.ReliableOrdered)
	require.NoError(t, err)

	cfg.ProtocolID = schema.ProtocolID()
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	mgr, err := NewManager(schema, cfg, append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, err)

	rec := &recorder{disconnected: make(map[ID][]DisconnectReason)}
	mgr.Subscribe(rec)

	return &harness{t: t, schema: schema, chat: chat, mgr: mgr, rec: rec, metrics: m}
}

// peer is a client-side mux talking to the manager directly.
type peer struct {
	h    *harness
	addr net.Addr
	mux  *channel.Mux
}

func (h *harness) peer(addr string) *peer {
	return &peer{h: h, addr: transport.MemoryAddr(addr), mux: channel.New(h.schema, protocol.ClientToServer, channel.DefaultConfig())}
}

// send flushes the peer and hands its datagrams to the manager.
func (p *peer) send(now time.Duration) []Inbound {
	p.h.t.Helper()
	out, err := p.mux.Flush(now)
	require.NoError(p.h.t, err)

	var in []Inbound
	for _, d := range out {
		in = append(in, p.h.mgr.HandleDatagram(p.addr, d, now)...)
	}
	return in
}

// receive flushes the manager and hands this peer's datagrams to it.
func (p *peer) receive(now time.Duration) []protocol.ControlMessage {
	p.h.t.Helper()
	for _, o := range p.h.mgr.Flush(now) {
		if o.Addr.String() == p.addr.String() {
			require.NoError(p.h.t, p.mux.HandleDatagram(o.Data, now))
		}
	}

	var msgs []protocol.ControlMessage
	for _, m := range p.mux.Drain() {
		if m.Channel != protocol.ControlChannel {
			continue
		}
		c, err := protocol.DecodeControl(m.Payload)
		require.NoError(p.h.t, err)
		msgs = append(msgs, c)
	}
	return msgs
}

func (p *peer) control(msg protocol.ControlMessage) {
	require.NoError(p.h.t, p.mux.Send(protocol.ControlChannel, protocol.EncodeControl(msg)))
}

// connect runs a full handshake round trip and returns the response.
func (p *peer) connect(clientID uint64, protocolID uint32, now time.Duration) protocol.ConnectResponse {
	p.h.t.Helper()
	p.control(protocol.ConnectRequest{ClientID: clientID, ProtocolID: protocolID})
	p.send(now)

	msgs := p.receive(now)
	require.Len(p.h.t, msgs, 1)
	resp, ok := msgs[0].(protocol.ConnectResponse)
	require.True(p.h.t, ok)

	if resp.Accepted {
		p.send(now)
	}
	return resp
}

func TestManager_Handshake(t *testing.T) {
	t.Run("accepts a matching client and publishes the connection", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")

		resp := p.connect(1001, h.schema.ProtocolID(), 0)
		assert.True(t, resp.Accepted)
		assert.Equal(t, uint64(1001), resp.SessionID)

		s, ok := h.mgr.Session(1001)
		require.True(t, ok)
		assert.Equal(t, Connected, s.State)
		assert.Equal(t, []ID{1001}, h.rec.connected)
		assert.Equal(t, 1, h.mgr.Len())
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveSessions))
		assert.Zero(t, p.mux.PendingReliable(), "request acked")
	})

	t.Run("rejects a protocol mismatch without creating a session", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")

		resp := p.connect(1001, h.schema.ProtocolID()+1, 0)
		assert.False(t, resp.Accepted)
		assert.Equal(t, protocol.RejectProtocolMismatch, resp.Reason)

		assert.Zero(t, h.mgr.Len())
		assert.Empty(t, h.rec.connected)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Sessions.WithLabelValues(metrics.ResultProtocolMismatch)))
	})

	t.Run("rejects clients beyond the session limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxSessions = 1
		h := newHarness(t, cfg)

		assert.True(t, h.peer("a").connect(1, h.schema.ProtocolID(), 0).Accepted)
		resp := h.peer("b").connect(2, h.schema.ProtocolID(), 0)
		assert.False(t, resp.Accepted)
		assert.Equal(t, protocol.RejectServerFull, resp.Reason)
	})

	t.Run("rejects a client id already in use", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())

		assert.True(t, h.peer("a").connect(7, h.schema.ProtocolID(), 0).Accepted)
		resp := h.peer("b").connect(7, h.schema.ProtocolID(), 0)
		assert.False(t, resp.Accepted)
		assert.Equal(t, protocol.RejectDuplicateClient, resp.Reason)
	})

	t.Run("rejects the zero client id", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		resp := h.peer("a").connect(0, h.schema.ProtocolID(), 0)
		assert.False(t, resp.Accepted)
		assert.Equal(t, protocol.RejectUnauthorized, resp.Reason)
	})

	t.Run("consults the authenticator", func(t *testing.T) {
		h := newHarness(t, DefaultConfig(), WithAuthenticator(denyAll{}))
		resp := h.peer("a").connect(5, h.schema.ProtocolID(), 0)
		assert.False(t, resp.Accepted)
		assert.Equal(t, protocol.RejectUnauthorized, resp.Reason)
	})

	t.Run("ignores a second connect request on a live session", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(9, h.schema.ProtocolID(), 0).Accepted)

		p.control(protocol.ConnectRequest{ClientID: 9, ProtocolID: h.schema.ProtocolID()})
		p.send(time.Millisecond)

		assert.Equal(t, 1, h.mgr.Len())
		assert.Equal(t, []ID{9}, h.rec.connected)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(metrics.AnomalyRehandshake)))
	})
}

type denyAll struct{}

func (denyAll) Authenticate(net.Addr, protocol.ConnectRequest) error { return errors.New("denied") }
func (denyAll) Insecure() bool                                      { return false }

func TestNewManager_InsecureAuth(t *testing.T) {
	schema := protocol.NewSchema(0, protocol.ReliableOrdered)

	cfg := DefaultConfig()
	cfg.AllowInsecure = false
	_, err := NewManager(schema, cfg)
	assert.ErrorIs(t, err, ErrInsecureAuthDisabled)

	_, err = NewManager(schema, cfg, WithAuthenticator(denyAll{}))
	assert.NoError(t, err)
}

func TestManager_Liveness(t *testing.T) {
	t.Run("timeout fires exactly once", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(42, h.schema.ProtocolID(), 0).Accepted)

		h.mgr.Expire(5 * time.Second)
		assert.Equal(t, 1, h.mgr.Len(), "silence equal to the timeout is tolerated")

		h.mgr.Expire(5*time.Second + time.Millisecond)
		h.mgr.Expire(6 * time.Second)
		h.mgr.Expire(time.Minute)

		assert.Zero(t, h.mgr.Len())
		assert.Equal(t, []DisconnectReason{ReasonTimeout}, h.rec.disconnected[42])
		assert.ErrorIs(t, ReasonTimeout.Err(), ErrSessionTimeout)
	})

	t.Run("heartbeats keep an idle session alive", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(42, h.schema.ProtocolID(), 0).Accepted)

		for now := time.Second; now <= 20*time.Second; now += time.Second {
			p.send(now)
			p.receive(now)
			h.mgr.Expire(now)
		}

		assert.Equal(t, 1, h.mgr.Len())
		assert.Empty(t, h.rec.disconnected)
	})

	t.Run("late datagrams from a timed out session are discarded as anomalies", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(42, h.schema.ProtocolID(), 0).Accepted)
		h.mgr.Expire(10 * time.Second)

		require.NoError(t, p.mux.Send(h.chat, []byte("late")))
		assert.Empty(t, p.send(10*time.Second))
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(metrics.AnomalyEndedSession)))
		assert.Zero(t, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(metrics.AnomalyUnknownSession)))
		assert.Zero(t, h.mgr.Len())
	})

	t.Run("redundant farewell copies are not anomalies", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(42, h.schema.ProtocolID(), 0).Accepted)

		for _, b := range p.mux.Farewell(protocol.EncodeControl(protocol.Disconnect{Code: protocol.DisconnectRequested}), farewellCopies) {
			assert.Empty(t, h.mgr.HandleDatagram(p.addr, b, time.Second))
		}
		assert.Equal(t, []DisconnectReason{ReasonRequested}, h.rec.disconnected[42])
		assert.Zero(t, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(metrics.AnomalyEndedSession)))
	})

	t.Run("retransmission exhaustion counts as a timeout", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(42, h.schema.ProtocolID(), 0).Accepted)

		s, _ := h.mgr.Session(42)
		require.NoError(t, s.Send(protocol.ControlChannel, protocol.EncodeControl(protocol.Disconnect{})))

		for now := time.Duration(0); now <= 6*time.Second; now += 100 * time.Millisecond {
			h.mgr.Flush(now)
		}

		require.Equal(t, []DisconnectReason{ReasonRetransmission}, h.rec.disconnected[42])
		err := ReasonRetransmission.Err()
		assert.ErrorIs(t, err, ErrSessionTimeout)
		assert.ErrorIs(t, err, channel.ErrRetransmissionExhausted)
	})
}

func TestManager_Disconnect(t *testing.T) {
	t.Run("peer request", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(3, h.schema.ProtocolID(), 0).Accepted)

		p.control(protocol.Disconnect{Code: protocol.DisconnectRequested})
		p.send(time.Second)

		assert.Zero(t, h.mgr.Len())
		assert.Equal(t, []DisconnectReason{ReasonRequested}, h.rec.disconnected[3])
		assert.ErrorIs(t, h.mgr.Send(3, protocol.ControlChannel, nil), ErrUnknownSession)
	})

	t.Run("kick sends a disconnect and drops queued traffic", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(3, h.schema.ProtocolID(), 0).Accepted)

		s, _ := h.mgr.Session(3)
		require.NoError(t, s.Send(protocol.ControlChannel, protocol.EncodeControl(protocol.Disconnect{Code: protocol.DisconnectRequested})))
		require.NoError(t, h.mgr.Disconnect(3))
		assert.ErrorIs(t, h.mgr.Disconnect(3), ErrUnknownSession)

		msgs := p.receive(time.Second)
		assert.Equal(t, []protocol.ControlMessage{protocol.Disconnect{Code: protocol.DisconnectKicked}}, msgs,
			"queued control message dropped, farewell delivered once")
		assert.Equal(t, []DisconnectReason{ReasonKicked}, h.rec.disconnected[3])
		assert.Equal(t, Disconnected, s.State)
		assert.ErrorIs(t, s.Send(protocol.ControlChannel, nil), ErrUnknownSession)
	})

	t.Run("shutdown ends every session", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		a, b := h.peer("a"), h.peer("b")
		require.True(t, a.connect(1, h.schema.ProtocolID(), 0).Accepted)
		require.True(t, b.connect(2, h.schema.ProtocolID(), 0).Accepted)

		h.mgr.Shutdown()
		assert.Zero(t, h.mgr.Len())
		assert.Equal(t, []DisconnectReason{ReasonShutdown}, h.rec.disconnected[1])
		assert.Equal(t, []DisconnectReason{ReasonShutdown}, h.rec.disconnected[2])
		assert.Len(t, h.mgr.Flush(time.Second), 2*farewellCopies)
	})

	t.Run("a recently ended client id cannot reconnect", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		require.True(t, h.peer("a").connect(3, h.schema.ProtocolID(), 0).Accepted)
		require.NoError(t, h.mgr.Disconnect(3))
		h.mgr.Flush(0)

		resp := h.peer("b").connect(3, h.schema.ProtocolID(), time.Second)
		assert.False(t, resp.Accepted)
		assert.Equal(t, protocol.RejectDuplicateClient, resp.Reason)

		assert.True(t, h.peer("a").connect(4, h.schema.ProtocolID(), time.Second).Accepted,
			"same address, new client id")
	})
}

func TestManager_Routing(t *testing.T) {
	t.Run("delivers application messages of connected sessions", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(8, h.schema.ProtocolID(), 0).Accepted)

		require.NoError(t, p.mux.Send(h.chat, []byte("hello")))
		in := p.send(time.Millisecond)

		require.Len(t, in, 1)
		assert.Equal(t, ID(8), in[0].Session.ID)
		assert.Equal(t, h.chat, in[0].Message.Channel)
		assert.Equal(t, []byte("hello"), in[0].Message.Payload)
	})

	t.Run("drops traffic from unknown addresses", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("stranger")

		require.NoError(t, p.mux.Send(h.chat, []byte("hi")))
		assert.Empty(t, p.send(0))
		assert.Zero(t, h.mgr.Len())
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Anomalies.WithLabelValues(metrics.AnomalyUnknownSession)))
	})

	t.Run("malformed datagrams never disturb a session", func(t *testing.T) {
		h := newHarness(t, DefaultConfig())
		p := h.peer("a")
		require.True(t, p.connect(8, h.schema.ProtocolID(), 0).Accepted)

		assert.Empty(t, h.mgr.HandleDatagram(p.addr, []byte{0xFF, 0xFF, 0, 0, 0, 0}, time.Millisecond))
		assert.Empty(t, h.mgr.HandleDatagram(p.addr, []byte{0}, time.Millisecond))

		require.NoError(t, p.mux.Send(h.chat, []byte("still here")))
		assert.Len(t, p.send(2*time.Millisecond), 1)
		assert.Equal(t, 1, h.mgr.Len())
	})
}

func TestDisconnectReason(t *testing.T) {
	assert.Equal(t, "timeout", ReasonTimeout.String())
	assert.Equal(t, ReasonKicked, ReasonFromCode(protocol.DisconnectKicked))
	assert.Equal(t, ReasonShutdown, ReasonFromCode(protocol.DisconnectShutdown))
	assert.Equal(t, ReasonRequested, ReasonFromCode(protocol.DisconnectRequested))
	assert.ErrorIs(t, ReasonShutdown.Err(), ErrClosedByServer)
	assert.ErrorIs(t, ReasonRequested.Err(), ErrPeerDisconnected)
}
