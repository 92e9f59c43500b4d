package router

import (
	"testing"
	"time"

	"github.com/go-i2p/go-overnet/lib/servicemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPeers(t *testing.T) {
	r := newTestRouter(t, 1)
	lists := make(chan []servicemap.PeerDescription, 1)
	sink := func(p []servicemap.PeerDescription) { lists <- p }

	require.NoError(t, r.ListPeers(sink))
	select {
	case peers := <-lists:
		require.Len(t, peers, 1)
		assert.True(t, peers[0].IsSelf)
		assert.Equal(t, r.NodeID(), peers[0].NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("first ListPeers call should see the current list")
	}

	// The observer goes back into its slot just before sink runs.
	require.Eventually(t, func() bool {
		return r.ListPeers(sink) == nil
	}, 5*time.Second, time.Millisecond)

	assert.ErrorIs(t, r.ListPeers(sink), ErrAlreadyListening)

	require.NoError(t, r.RegisterService("echo", readingProvider(1, make(chan received, 1))))
	select {
	case peers := <-lists:
		require.Len(t, peers, 1)
		assert.Equal(t, []string{"echo"}, peers[0].Services)
	case <-time.After(5 * time.Second):
		t.Fatal("pending ListPeers call never completed")
	}
}

func TestListPeersAfterClose(t *testing.T) {
	r := newTestRouter(t, 1)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.ListPeers(func([]servicemap.PeerDescription) {}), ErrRouterClosed)
}
