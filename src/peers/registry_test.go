package peers

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T) *Peer {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewPeer(a, "node", "moniker", "127.0.0.1:1025", true)
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p := newTestPeer(t)

	r.Add(p)
	r.Add(p)

	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	p1 := newTestPeer(t)
	p2 := newTestPeer(t)
	p3 := newTestPeer(t)

	r.Add(p1)
	r.Add(p2)
	r.Add(p3)

	assert.True(t, r.Remove(p2))
	assert.Equal(t, []*Peer{p1, p3}, r.List())

	// removing an absent handle is a no-op
	assert.False(t, r.Remove(p2))
	assert.False(t, r.Remove(newTestPeer(t)))
	assert.Equal(t, []*Peer{p1, p3}, r.List())
}

func TestRegistryListIsSnapshot(t *testing.T) {
	r := NewRegistry()
	p1 := newTestPeer(t)
	p2 := newTestPeer(t)

	r.Add(p1)
	r.Add(p2)

	snapshot := r.List()
	r.Remove(p1)

	assert.Equal(t, []*Peer{p1, p2}, snapshot)
	assert.Equal(t, []*Peer{p2}, r.List())
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	p := newTestPeer(t)
	r.Add(p)

	got, ok := r.Get(p.ID)
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		p := newTestPeer(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add(p)
			r.List()
			r.Remove(p)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

func TestPeerCloseOnce(t *testing.T) {
	p := newTestPeer(t)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed")
	}

	assert.Error(t, p.Write([]byte("x\n")))
}

func TestJSONSeeds(t *testing.T) {
	dir := t.TempDir()
	store := NewJSONSeeds(dir)

	seeds, err := store.Seeds()
	require.NoError(t, err)
	assert.Empty(t, seeds)

	err = store.SetSeeds([]Seed{
		{NetAddr: "10.0.0.1:1025", Moniker: "alpha"},
		{Moniker: "no-address"},
		{NetAddr: "10.0.0.2:1025"},
	})
	require.NoError(t, err)

	addrs, err := store.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:1025", "10.0.0.2:1025"}, addrs)
}
