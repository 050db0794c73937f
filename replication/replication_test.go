package replication

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-replicon/protocol"
)

const (
	healthKind protocol.ComponentKind = 1
	nameKind   protocol.ComponentKind = 2
	bogusKind  protocol.ComponentKind = 99
)

type health struct{ HP uint32 }

func (health) Kind() protocol.ComponentKind { return healthKind }

func (h health) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	return e.Uint(1, uint64(h.HP)).Encoded(), nil
}

type name struct{ Value string }

func (name) Kind() protocol.ComponentKind { return nameKind }

func (n name) MarshalBinary() ([]byte, error) {
	var e protocol.Encoder
	return e.String(1, n.Value).Encoded(), nil
}

type broken struct{}

func (broken) Kind() protocol.ComponentKind    { return bogusKind }
func (broken) MarshalBinary() ([]byte, error) { return nil, errors.New("nope") }

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry(protocol.NewSchema(0, protocol.ReliableOrdered))
	require.NoError(t, r.Register(healthKind, "health", func(b []byte) (Component, error) {
		d := protocol.NewDecoder(b)
		h := health{HP: uint32(d.Uint(1))}
		return h, d.Finish()
	}))
	require.NoError(t, r.Register(nameKind, "name", func(b []byte) (Component, error) {
		d := protocol.NewDecoder(b)
		n := name{Value: d.String(1)}
		return n, d.Finish()
	}))
	return r
}

func kinds(msgs []protocol.ReplicationMessage) []protocol.ReplicationKind {
	out := make([]protocol.ReplicationKind, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := testRegistry(t)

	assert.ErrorIs(t, r.Register(healthKind, "again", nil), protocol.ErrDuplicateRegistration)

	_, err := r.Decode(bogusKind, nil)
	assert.ErrorIs(t, err, ErrUnknownComponent)
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)

	_, err = r.Decode(healthKind, []byte{0xFF})
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
}

func TestWorld_Collect(t *testing.T) {
	t.Run("spawn is followed by its components", func(t *testing.T) {
		w := NewWorld(testRegistry(t))
		id, err := w.Spawn(7, health{HP: 10}, name{Value: "a"})
		require.NoError(t, err)

		msgs := w.Collect()
		require.Equal(t, []protocol.ReplicationKind{
			protocol.ReplicationSpawn, protocol.ReplicationUpdate, protocol.ReplicationUpdate,
		}, kinds(msgs))
		assert.Equal(t, uint64(7), msgs[0].Owner)
		assert.Equal(t, uint64(id), msgs[1].Entity)
		assert.Equal(t, healthKind, msgs[1].Component)
		assert.Equal(t, nameKind, msgs[2].Component)

		assert.Empty(t, w.Collect(), "nothing changed since")
	})

	t.Run("unchanged values are not replicated", func(t *testing.T) {
		w := NewWorld(testRegistry(t))
		id, _ := w.Spawn(0, health{HP: 10})
		w.Collect()

		require.NoError(t, w.Set(id, health{HP: 10}))
		assert.Empty(t, w.Collect())
	})

	t.Run("several sets in one tick coalesce to the latest value", func(t *testing.T) {
		w := NewWorld(testRegistry(t))
		id, _ := w.Spawn(0, health{HP: 10})
		w.Collect()

		require.NoError(t, w.Set(id, health{HP: 11}))
		require.NoError(t, w.Set(id, health{HP: 12}))

		msgs := w.Collect()
		require.Len(t, msgs, 1)
		got, err := testRegistry(t).Decode(msgs[0].Component, msgs[0].Value)
		require.NoError(t, err)
		assert.Equal(t, health{HP: 12}, got)

		c, ok := w.Get(id, healthKind)
		require.True(t, ok)
		assert.Equal(t, health{HP: 12}, c)
	})

	t.Run("despawn drops pending updates", func(t *testing.T) {
		w := NewWorld(testRegistry(t))
		id, _ := w.Spawn(0, health{HP: 1})
		w.Collect()

		require.NoError(t, w.Set(id, health{HP: 2}))
		require.NoError(t, w.Despawn(id))

		msgs := w.Collect()
		assert.Equal(t, []protocol.ReplicationKind{protocol.ReplicationDespawn}, kinds(msgs))
		assert.False(t, w.Exists(id))
		assert.ErrorIs(t, w.Despawn(id), ErrUnknownEntity)
		assert.ErrorIs(t, w.Set(id, health{}), ErrUnknownEntity)
	})

	t.Run("rejects unregistered and unencodable components", func(t *testing.T) {
		w := NewWorld(testRegistry(t))
		_, err := w.Spawn(0, broken{})
		assert.ErrorIs(t, err, ErrUnknownComponent)
		assert.Zero(t, w.Len())
		assert.Empty(t, w.Collect())
	})
}

func TestWorld_Ownership(t *testing.T) {
	w := NewWorld(testRegistry(t))
	a1, _ := w.Spawn(1, health{})
	_, _ = w.Spawn(2, health{})
	a2, _ := w.Spawn(1, health{})

	assert.Equal(t, []EntityID{a1, a2}, w.OwnedBy(1))
	first, ok := w.EntityOf(1)
	require.True(t, ok)
	assert.Equal(t, a1, first)

	owner, ok := w.Owner(a2)
	require.True(t, ok)
	assert.Equal(t, uint64(1), owner)

	assert.Equal(t, []EntityID{a1, a2}, w.DespawnOwnedBy(1))
	assert.Equal(t, 1, w.Len())
	_, ok = w.EntityOf(1)
	assert.False(t, ok)
}

func TestWorld_Snapshot(t *testing.T) {
	w := NewWorld(testRegistry(t))
	a, _ := w.Spawn(1, health{HP: 3}, name{Value: "x"})
	b, _ := w.Spawn(2)
	w.Collect()

	snap := w.Snapshot()
	assert.Equal(t, []protocol.ReplicationKind{
		protocol.ReplicationSpawn, protocol.ReplicationUpdate, protocol.ReplicationUpdate,
		protocol.ReplicationSpawn,
	}, kinds(snap))
	assert.Equal(t, uint64(a), snap[0].Entity)
	assert.Equal(t, uint64(b), snap[3].Entity)
	assert.Empty(t, w.Collect(), "snapshot does not consume changes")
}

// replicate pushes world changes through the wire encoding into a mirror.
func replicate(t *testing.T, msgs []protocol.ReplicationMessage, m *Mirror) {
	t.Helper()
	for _, msg := range msgs {
		decoded, err := protocol.DecodeReplication(protocol.EncodeReplication(msg))
		require.NoError(t, err)
		require.NoError(t, m.Apply(decoded))
	}
}

func TestMirror(t *testing.T) {
	t.Run("component values survive the round trip", func(t *testing.T) {
		reg := testRegistry(t)
		w := NewWorld(reg)
		m := NewMirror(reg)

		id, _ := w.Spawn(5, health{HP: 99}, name{Value: "hero"})
		replicate(t, w.Collect(), m)

		h, ok := Lookup[health](m, id)
		require.True(t, ok)
		assert.Equal(t, health{HP: 99}, h)

		n, ok := Lookup[name](m, id)
		require.True(t, ok)
		assert.Equal(t, "hero", n.Value)

		owner, ok := m.Owner(id)
		require.True(t, ok)
		assert.Equal(t, uint64(5), owner)
		assert.Equal(t, []EntityID{id}, m.OwnedBy(5))
	})

	t.Run("an update for an unseen entity creates it", func(t *testing.T) {
		m := NewMirror(testRegistry(t))
		b, _ := health{HP: 4}.MarshalBinary()

		require.NoError(t, m.Apply(protocol.ReplicationMessage{Kind: protocol.ReplicationUpdate, Entity: 3, Component: healthKind, Value: b}))
		assert.Equal(t, []EntityID{3}, m.Entities())
	})

	t.Run("entities leave only on despawn", func(t *testing.T) {
		reg := testRegistry(t)
		w := NewWorld(reg)
		m := NewMirror(reg)

		id, _ := w.Spawn(0, health{HP: 1})
		replicate(t, w.Collect(), m)
		require.NoError(t, w.Set(id, health{HP: 2}))
		replicate(t, w.Collect(), m)
		assert.Equal(t, 1, m.Len())

		require.NoError(t, w.Despawn(id))
		replicate(t, w.Collect(), m)
		assert.Zero(t, m.Len())

		assert.NoError(t, m.Apply(protocol.ReplicationMessage{Kind: protocol.ReplicationDespawn, Entity: 1234}))
	})

	t.Run("bad updates leave the mirror unchanged", func(t *testing.T) {
		m := NewMirror(testRegistry(t))
		err := m.Apply(protocol.ReplicationMessage{Kind: protocol.ReplicationUpdate, Entity: 1, Component: bogusKind})
		assert.ErrorIs(t, err, ErrUnknownComponent)

		err = m.Apply(protocol.ReplicationMessage{Kind: protocol.ReplicationUpdate, Entity: 1, Component: healthKind, Value: []byte{0xFF}})
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
		assert.Zero(t, m.Len())
	})

	t.Run("reset forgets everything", func(t *testing.T) {
		m := NewMirror(testRegistry(t))
		require.NoError(t, m.Apply(protocol.ReplicationMessage{Kind: protocol.ReplicationSpawn, Entity: 1}))
		m.Reset()
		assert.Zero(t, m.Len())
	})

	t.Run("reads are safe during apply", func(t *testing.T) {
		m := NewMirror(testRegistry(t))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= 500; i++ {
				b, _ := health{HP: uint32(i)}.MarshalBinary()
				_ = m.Apply(protocol.ReplicationMessage{Kind: protocol.ReplicationUpdate, Entity: i%10 + 1, Component: healthKind, Value: b})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				for _, id := range m.Entities() {
					_, _ = Lookup[health](m, id)
				}
			}
		}()
		wg.Wait()

		assert.Equal(t, 10, m.Len())
	})
}
