package workerdir

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	active map[string]bool
}

func (f fakeProber) IsActive(_ context.Context, n Node) bool {
	return f.active[n.Addr]
}

func TestGetIdleNodeFirstIdleWins(t *testing.T) {
	nodes := []Node{{Addr: "a"}, {Addr: "b"}, {Addr: "c"}}
	prober := fakeProber{active: map[string]bool{"b": true, "c": true}}
	d := New(nodes, nil, prober, zerolog.Nop())

	n, ok := d.GetIdleNode(context.Background(), false)
	require.True(t, ok)
	require.Equal(t, "b", n.Addr)
}

func TestGetIdleNodeNoneAvailable(t *testing.T) {
	nodes := []Node{{Addr: "a"}}
	d := New(nodes, nil, fakeProber{}, zerolog.Nop())

	_, ok := d.GetIdleNode(context.Background(), false)
	require.False(t, ok)
}

func TestGetSnarkNodesSeparateFromGeneral(t *testing.T) {
	general := []Node{{Addr: "a"}}
	snark := []Node{{Addr: "s1", Snark: true}}
	d := New(general, snark, fakeProber{active: map[string]bool{"s1": true}}, zerolog.Nop())

	n, ok := d.GetIdleNode(context.Background(), true)
	require.True(t, ok)
	require.Equal(t, "s1", n.Addr)
}
