package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/link"
	"github.com/go-i2p/go-overnet/lib/secure"
	"github.com/stretchr/testify/require"
)

// testCerts writes a self-signed certificate pair into a temp dir.
func testCerts(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, secure.GenerateSelfSigned(cert, key))
	return cert, key
}

func newTestRouter(t *testing.T, id labels.NodeID) *Router {
	t.Helper()
	cert, key := testCerts(t)
	r, err := NewRouter(Options{NodeID: id, CertFile: cert, KeyFile: key, DiagnosticsImpl: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// relay copies every frame queued on from into to until ctx ends.
func relay(ctx context.Context, from, to *link.Link) {
	for {
		frame, err := from.NextSend(ctx)
		if err != nil {
			return
		}
		_ = to.ReceivedPacket(frame)
	}
}
