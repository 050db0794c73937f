package channel

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-replicon/metrics"
	"github.com/cyberinferno/go-replicon/protocol"
)

const (
	reliableOrdered     protocol.EventKind = 1
	unreliableOrdered   protocol.EventKind = 2
	unreliableUnordered protocol.EventKind = 3
	reliableUnordered   protocol.EventKind = 4
	serverOnly          protocol.EventKind = 5
)

type fixture struct {
	schema *protocol.Schema
	ch     map[protocol.EventKind]protocol.ChannelID
	cfg    Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := protocol.NewSchema(7, protocol.ReliableOrdered)
	f := &fixture{schema: s, ch: make(map[protocol.EventKind]protocol.ChannelID), cfg: DefaultConfig()}

	register := func(kind protocol.EventKind, dir protocol.Direction, p protocol.Policy) {
		id, err := s.RegisterEvent(kind, p.String(), dir, p)
		require.NoError(t, err)
		f.ch[kind] = id
	}
	register(reliableOrdered, protocol.Bidirectional, protocol.ReliableOrdered)
	register(unreliableOrdered, protocol.Bidirectional, protocol.UnreliableOrdered)
	register(unreliableUnordered, protocol.Bidirectional, protocol.UnreliableUnordered)
	register(reliableUnordered, protocol.Bidirectional, protocol.ReliableUnordered)
	register(serverOnly, protocol.ServerToClient, protocol.ReliableOrdered)

	return f
}

func (f *fixture) pair(opts ...Option) (client, server *Mux) {
	return New(f.schema, protocol.ClientToServer, f.cfg, opts...),
		New(f.schema, protocol.ServerToClient, f.cfg, opts...)
}

func payloads(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Payload))
	}
	return out
}

func flush(t *testing.T, m *Mux, now time.Duration) [][]byte {
	t.Helper()
	out, err := m.Flush(now)
	require.NoError(t, err)
	return out
}

func deliverAll(t *testing.T, to *Mux, datagrams [][]byte, now time.Duration) {
	t.Helper()
	for _, d := range datagrams {
		require.NoError(t, to.HandleDatagram(d, now))
	}
}

func TestMux_OrderedDeliveryUnderReordering(t *testing.T) {
	f := newFixture(t)

	for _, kind := range []protocol.EventKind{reliableOrdered, unreliableOrdered} {
		spec, ok := f.schema.Channel(f.ch[kind])
		require.True(t, ok)

		t.Run(spec.Name, func(t *testing.T) {
			client, server := f.pair()
			ch := f.ch[kind]

			var want []string
			for i := 0; i < 50; i++ {
				p := string(rune('A' + i))
				want = append(want, p)
				require.NoError(t, client.Send(ch, []byte(p)))
			}

			datagrams := flush(t, client, 0)
			require.Len(t, datagrams, 50)

			rng := rand.New(rand.NewSource(42))
			rng.Shuffle(len(datagrams), func(i, j int) { datagrams[i], datagrams[j] = datagrams[j], datagrams[i] })
			deliverAll(t, server, datagrams, 10*time.Millisecond)

			assert.Equal(t, want, payloads(server.Drain()))
			assert.Zero(t, server.Buffered())
		})
	}
}

func TestMux_ReliableAcks(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()

	require.NoError(t, client.Send(f.ch[reliableOrdered], []byte("a")))
	require.NoError(t, client.Send(f.ch[reliableUnordered], []byte("b")))
	assert.Equal(t, 2, client.PendingReliable())

	deliverAll(t, server, flush(t, client, 0), 0)
	assert.Equal(t, []string{"a", "b"}, payloads(server.Drain()))

	acks := flush(t, server, 0)
	require.Len(t, acks, 1, "acks are batched into one frame")
	deliverAll(t, client, acks, 0)

	assert.Zero(t, client.PendingReliable())
}

func TestMux_Retransmission(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	client, server := f.pair(WithMetrics(m))

	require.NoError(t, client.Send(f.ch[reliableOrdered], []byte("x")))

	require.Len(t, flush(t, client, 0), 1, "first transmission")
	assert.Empty(t, flush(t, client, 50*time.Millisecond))

	resent := flush(t, client, 100*time.Millisecond)
	require.Len(t, resent, 1, "retransmitted after the base delay")
	assert.Empty(t, flush(t, client, 299*time.Millisecond), "backoff doubled")
	require.Len(t, flush(t, client, 300*time.Millisecond), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retransmissions))

	deliverAll(t, server, resent, 300*time.Millisecond)
	deliverAll(t, client, flush(t, server, 300*time.Millisecond), 300*time.Millisecond)
	assert.Zero(t, client.PendingReliable())
	assert.Equal(t, []string{"x"}, payloads(server.Drain()))
}

func TestMux_RetransmissionExhausted(t *testing.T) {
	f := newFixture(t)
	client, _ := f.pair()

	require.NoError(t, client.Send(f.ch[reliableOrdered], []byte("lost")))

	var err error
	for now := time.Duration(0); now <= 6*time.Second && err == nil; now += 100 * time.Millisecond {
		_, err = client.Flush(now)
	}
	assert.ErrorIs(t, err, ErrRetransmissionExhausted)
}

func TestMux_DuplicateReliableDeliveredOnce(t *testing.T) {
	f := newFixture(t)

	for _, kind := range []protocol.EventKind{reliableOrdered, reliableUnordered} {
		client, server := f.pair()
		require.NoError(t, client.Send(f.ch[kind], []byte("once")))
		d := flush(t, client, 0)

		deliverAll(t, server, d, 0)
		deliverAll(t, server, d, time.Millisecond)

		assert.Equal(t, []string{"once"}, payloads(server.Drain()))

		acks, err := protocol.DecodeAcks(mustFrame(t, f.schema, flush(t, server, 0)[0]).Payload)
		require.NoError(t, err)
		assert.Len(t, acks, 2, "duplicates are re-acked")
	}
}

func mustFrame(t *testing.T, s *protocol.Schema, b []byte) protocol.Frame {
	t.Helper()
	fr, _, err := s.DecodeFrame(b)
	require.NoError(t, err)
	return fr
}

func TestMux_UnreliableOrderedSkipOnTimeout(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()
	ch := f.ch[unreliableOrdered]

	for _, p := range []string{"0", "1", "2", "3", "4"} {
		require.NoError(t, client.Send(ch, []byte(p)))
	}
	d := flush(t, client, 0)
	lost := d[2]

	deliverAll(t, server, [][]byte{d[0], d[1], d[3], d[4]}, 0)
	assert.Equal(t, []string{"0", "1"}, payloads(server.Drain()))
	assert.Equal(t, 2, server.Buffered())

	flush(t, server, f.cfg.ReorderTimeout-time.Millisecond)
	assert.Empty(t, server.Drain(), "still waiting for the gap")

	flush(t, server, f.cfg.ReorderTimeout)
	assert.Equal(t, []string{"3", "4"}, payloads(server.Drain()))

	deliverAll(t, server, [][]byte{lost}, f.cfg.ReorderTimeout+time.Millisecond)
	assert.Empty(t, server.Drain(), "late frames are never delivered out of order")
}

func TestMux_ReorderWindow(t *testing.T) {
	f := newFixture(t)
	f.cfg.ReorderWindow = 4
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))

	t.Run("unreliable skips ahead past the window", func(t *testing.T) {
		client, server := f.pair(WithMetrics(m))
		ch := f.ch[unreliableOrdered]
		for i := 0; i < 10; i++ {
			require.NoError(t, client.Send(ch, []byte{byte('0' + i)}))
		}
		d := flush(t, client, 0)

		deliverAll(t, server, [][]byte{d[1], d[9]}, 0)
		assert.Equal(t, []string{"1"}, payloads(server.Drain()), "buffered frames before the new window are released in order")

		deliverAll(t, server, [][]byte{d[6], d[7], d[8]}, 0)
		assert.Equal(t, []string{"6", "7", "8", "9"}, payloads(server.Drain()))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies.WithLabelValues(metrics.AnomalyReorderOverflow)))
	})

	t.Run("reliable drops frames beyond the window unacked", func(t *testing.T) {
		client, server := f.pair()
		ch := f.ch[reliableOrdered]
		for i := 0; i < 6; i++ {
			require.NoError(t, client.Send(ch, []byte{byte('0' + i)}))
		}

		first := flush(t, client, 0)
		assert.Len(t, first, 4, "sender never runs ahead of the window")

		deliverAll(t, server, first, 0)
		assert.Equal(t, []string{"0", "1", "2", "3"}, payloads(server.Drain()))
		deliverAll(t, client, flush(t, server, 0), 0)

		rest := flush(t, client, time.Millisecond)
		assert.Len(t, rest, 2)
		deliverAll(t, server, rest, time.Millisecond)
		assert.Equal(t, []string{"4", "5"}, payloads(server.Drain()))
	})

	t.Run("the window is counted from the oldest unacked sequence", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.New(metrics.WithRegistry(reg))
		client, server := f.pair(WithMetrics(m))
		ch := f.ch[reliableOrdered]
		for i := 0; i < 8; i++ {
			require.NoError(t, client.Send(ch, []byte{byte('0' + i)}))
		}

		first := flush(t, client, 0)
		require.Len(t, first, 4)

		// Sequence 0 is lost; 1..3 arrive and are acked.
		deliverAll(t, server, first[1:], 0)
		assert.Empty(t, server.Drain())
		deliverAll(t, client, flush(t, server, 0), 0)
		require.Equal(t, 5, client.PendingReliable())

		assert.Empty(t, flush(t, client, time.Millisecond), "4 is a full window ahead of the unacked 0")

		retry := flush(t, client, f.cfg.RetransmitBase)
		require.Len(t, retry, 1)
		deliverAll(t, server, retry, f.cfg.RetransmitBase)
		assert.Equal(t, []string{"0", "1", "2", "3"}, payloads(server.Drain()))
		deliverAll(t, client, flush(t, server, f.cfg.RetransmitBase), f.cfg.RetransmitBase)

		rest := flush(t, client, f.cfg.RetransmitBase+time.Millisecond)
		require.Len(t, rest, 4)
		deliverAll(t, server, rest, f.cfg.RetransmitBase+time.Millisecond)
		assert.Equal(t, []string{"4", "5", "6", "7"}, payloads(server.Drain()))
		assert.Zero(t, testutil.ToFloat64(m.Anomalies.WithLabelValues(metrics.AnomalyReorderOverflow)))
	})
}

func TestMux_UnreliableUnordered(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()
	ch := f.ch[unreliableUnordered]

	require.NoError(t, client.Send(ch, []byte("a")))
	require.NoError(t, client.Send(ch, []byte("b")))
	d := flush(t, client, 0)

	deliverAll(t, server, [][]byte{d[1], d[0], d[1]}, 0)
	assert.Equal(t, []string{"b", "a", "b"}, payloads(server.Drain()), "delivered as received, duplicates included")
	assert.Empty(t, flush(t, server, 0), "nothing to ack")
}

func TestMux_Anomalies(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	_, server := f.pair(WithMetrics(m))

	err := server.HandleDatagram([]byte{0x7F, 0x00, 1, 2}, 0)
	assert.ErrorIs(t, err, protocol.ErrUnknownChannel)

	err = server.HandleDatagram([]byte{1}, 0)
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	wrongWay, err := f.schema.EncodeFrame(protocol.Frame{Channel: f.ch[serverOnly], Payload: []byte("x")})
	require.NoError(t, err)
	err = server.HandleDatagram(wrongWay, 0)
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	badAck, err := f.schema.EncodeFrame(protocol.Frame{Channel: protocol.AckChannel, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)
	assert.ErrorIs(t, server.HandleDatagram(badAck, 0), protocol.ErrMalformedMessage)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies.WithLabelValues(metrics.AnomalyUnknownChannel)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Anomalies.WithLabelValues(metrics.AnomalyMalformed)))
	assert.Empty(t, server.Drain())
}

func TestMux_SendErrors(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()

	assert.ErrorIs(t, client.Send(999, nil), protocol.ErrUnknownChannel)
	assert.ErrorIs(t, client.Send(protocol.AckChannel, nil), ErrReservedChannel)
	assert.ErrorIs(t, client.Send(f.ch[serverOnly], nil), ErrWrongDirection)
	assert.ErrorIs(t, client.Send(protocol.ReplicationChannel, nil), ErrWrongDirection)
	assert.NoError(t, server.Send(f.ch[serverOnly], nil))
	assert.ErrorIs(t, client.Send(f.ch[reliableOrdered], make([]byte, MaxPayloadSize+1)), ErrPayloadTooLarge)
}

func TestMux_Heartbeat(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()

	assert.Empty(t, flush(t, client, f.cfg.KeepAliveInterval-time.Millisecond))

	hb := flush(t, client, f.cfg.KeepAliveInterval)
	require.Len(t, hb, 1)
	fr := mustFrame(t, f.schema, hb[0])
	assert.Equal(t, protocol.AckChannel, fr.Channel)
	assert.Empty(t, fr.Payload)

	require.NoError(t, server.HandleDatagram(hb[0], f.cfg.KeepAliveInterval))
	assert.Empty(t, server.Drain())

	assert.Empty(t, flush(t, client, f.cfg.KeepAliveInterval+time.Millisecond), "silence restarts after a send")
}

func TestMux_Close(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()
	ch := f.ch[reliableOrdered]

	require.NoError(t, client.Send(ch, []byte("0")))
	require.NoError(t, client.Send(ch, []byte("1")))
	d := flush(t, client, 0)
	deliverAll(t, server, d[1:], 0)
	assert.Equal(t, 1, server.Buffered())

	server.Close()
	assert.True(t, server.Closed())
	assert.ErrorIs(t, server.HandleDatagram(d[0], 0), ErrClosed)
	assert.Empty(t, server.Drain(), "buffered messages are dropped, not delivered late")
	assert.ErrorIs(t, server.Send(ch, nil), ErrClosed)
	_, err := server.Flush(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, server.PendingReliable())
}

func TestBefore(t *testing.T) {
	assert.True(t, before(1, 2))
	assert.False(t, before(2, 1))
	assert.False(t, before(5, 5))
	assert.True(t, before(^uint32(0), 0), "wraps around")
}

func TestMux_Farewell(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()

	require.NoError(t, server.Send(protocol.ControlChannel, []byte("first")))
	require.NoError(t, server.Send(f.ch[reliableOrdered], []byte("dropped")))
	deliverAll(t, client, flush(t, server, 0)[:1], 0)
	deliverAll(t, server, flush(t, client, 0), 0)

	require.NoError(t, server.Send(protocol.ControlChannel, []byte("replaced")))
	require.NoError(t, server.Send(f.ch[reliableOrdered], []byte("also dropped")))

	out := server.Farewell([]byte("bye"), 3)
	require.Len(t, out, 3)
	assert.True(t, server.Closed())
	assert.Nil(t, server.Farewell([]byte("again"), 3))

	deliverAll(t, client, out, time.Millisecond)
	assert.Equal(t, []string{"first", "bye"}, payloads(client.Drain()), "copies are deduplicated")
}

func TestMux_FarewellAfterLostAck(t *testing.T) {
	f := newFixture(t)
	client, server := f.pair()

	require.NoError(t, server.Send(protocol.ControlChannel, []byte("hello")))
	deliverAll(t, client, flush(t, server, 0), 0)
	assert.Equal(t, []string{"hello"}, payloads(client.Drain()))

	// The client's ack never arrives, so "hello" is still unacked.
	flush(t, client, 0)
	require.Equal(t, 1, server.PendingReliable())

	deliverAll(t, client, server.Farewell([]byte("bye"), 3), time.Millisecond)
	got := client.Drain()
	assert.Equal(t, []string{"bye"}, payloads(got))
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ControlChannel, got[0].Channel)
}

func TestMux_FarewellChannelIsReserved(t *testing.T) {
	f := newFixture(t)
	client, _ := f.pair()
	assert.ErrorIs(t, client.Send(protocol.FarewellChannel, []byte("x")), ErrReservedChannel)
}
