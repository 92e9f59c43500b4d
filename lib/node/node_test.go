package node

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/go-overnet/lib/config"
	"github.com/go-i2p/go-overnet/lib/router"
	"github.com/go-i2p/go-overnet/lib/servicemap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testConfig(t *testing.T) *config.RouterConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultRouterConfig()
	cfg.TLS = config.TLSConfig{
		CertFile: filepath.Join(dir, "tls", "cert.pem"),
		KeyFile:  filepath.Join(dir, "tls", "key.pem"),
	}
	cfg.Transport.DialTimeout = 5 * time.Second
	cfg.Transport.RedialInterval = 50 * time.Millisecond
	return cfg
}

// runNode starts n in the background and stops it when the test ends.
func runNode(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("node did not stop")
		}
	})
}

func TestEnsureIdentityGeneratesOnce(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, EnsureIdentity(cfg.TLS))
	assert.FileExists(t, cfg.TLS.CertFile)
	assert.FileExists(t, cfg.TLS.KeyFile)

	before, err := os.ReadFile(cfg.TLS.CertFile)
	require.NoError(t, err)
	require.NoError(t, EnsureIdentity(cfg.TLS))
	after, err := os.ReadFile(cfg.TLS.CertFile)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	zero := uint64(0)
	cfg.Transport.BytesPerSecond = &zero
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestNewFailsOnBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Transport.Listen = []string{ln.Addr().String()}
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestNodesConnectOverTCP(t *testing.T) {
	cfgA := testConfig(t)
	cfgA.Transport.Listen = []string{"127.0.0.1:0"}
	a, err := New(cfgA)
	require.NoError(t, err)
	require.Len(t, a.ListenAddrs(), 1)

	cfgB := testConfig(t)
	cfgB.Transport.Connect = []string{a.ListenAddrs()[0].String()}
	b, err := New(cfgB)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	require.NoError(t, a.Router().RegisterService("hello world",
		servicemap.ProviderFunc(func(_ context.Context, channel net.Conn, info servicemap.ConnectionInfo) error {
			go func() {
				defer channel.Close()
				buf := make([]byte, 5)
				if _, err := io.ReadFull(channel, buf); err == nil && info.PeerNodeID == b.Router().NodeID() {
					got <- buf
				}
			}()
			return nil
		})))

	runNode(t, a)
	runNode(t, b)

	require.Eventually(t, func() bool {
		return len(a.Router().LinkDiagnostics()) == 1 && len(b.Router().LinkDiagnostics()) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, b.Router().NodeID(), a.Router().LinkDiagnostics()[0].PeerNodeID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	near, far := net.Pipe()
	defer far.Close()
	require.NoError(t, b.Router().ConnectToService(ctx, a.Router().NodeID(), "hello world", near))
	_, err = far.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, []byte{1, 2, 3, 4, 5}, data)
	case <-ctx.Done():
		t.Fatal("service never received the bytes")
	}
}

func TestDialingSelfStopsRedial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Listen = []string{"127.0.0.1:0"}
	n, err := New(cfg)
	require.NoError(t, err)
	self := n.ListenAddrs()[0].String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = n.acceptLoop(ctx, new(errgroup.Group)) }()
	defer n.Close()

	done := make(chan error, 1)
	go func() { done <- n.dialLoop(ctx, self) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("dial loop kept redialing this node")
	}
	assert.Empty(t, n.Router().LinkDiagnostics())
}

func TestControlServerStartsWithNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Control.Enabled = true
	cfg.Control.Address = "127.0.0.1:0"
	cfg.Control.Password = "pw"
	n, err := New(cfg)
	require.NoError(t, err)
	runNode(t, n)

	require.Eventually(t, func() bool { return n.ControlAddr() != nil }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Listen = []string{"127.0.0.1:0"}
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.NoError(t, n.Close())
	assert.ErrorIs(t, n.Router().RegisterService("late", nil), router.ErrRouterClosed)
}
