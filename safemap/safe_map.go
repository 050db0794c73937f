// Package safemap provides a type-safe concurrent map built on sync.Map.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// It must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, replacing any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for key k.
//
// Returns:
//   - The value, or the zero value of V if k is absent
//   - true if k was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}
	return v.(V), true
}

// LoadAndDelete removes k and returns the value it held.
//
// Returns:
//   - The removed value, or the zero value of V if k was absent
//   - true if k was present
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, found := m.m.LoadAndDelete(k)
	if !found {
		var empty V
		return empty, false
	}
	return v.(V), true
}

// Delete removes k. Deleting an absent key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Values returns a snapshot of every value in unspecified order.
func (m *SafeMap[K, V]) Values() []V {
	var out []V
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Len counts the entries. It is O(n).
func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.Range(func(K, V) bool {
		n++
		return true
	})
	return n
}

// Clear removes every entry.
func (m *SafeMap[K, V]) Clear() {
	m.m.Clear()
}
