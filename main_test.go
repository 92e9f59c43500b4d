package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-i2p/go-overnet/lib/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(func() {
		config.CfgFile = ""
		viper.Reset()
	})
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: 12
tls:
  cert_file: `+filepath.Join(dir, "cert.pem")+`
  key_file: `+filepath.Join(dir, "key.pem")+`
transport:
  listen: ["127.0.0.1:4000"]
  bytes_per_second: 2048
`), 0o600))

	out, err := execute(t, "--config", path, "config")
	require.NoError(t, err)

	var cfg config.RouterConfig
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.EqualValues(t, 12, cfg.NodeID)
	assert.Equal(t, []string{"127.0.0.1:4000"}, cfg.Transport.Listen)
	require.NotNil(t, cfg.Transport.BytesPerSecond)
	assert.EqualValues(t, 2048, *cfg.Transport.BytesPerSecond)
	assert.Equal(t, 10*time.Second, cfg.Transport.DialTimeout)
	assert.Equal(t, filepath.Join(dir, "cert.pem"), cfg.TLS.CertFile)
}

func TestConfigCommandMissingFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "config")
	assert.ErrorIs(t, err, config.ErrConfigFileMissing)
}

func TestRunRejectsArguments(t *testing.T) {
	_, err := execute(t, "run", "extra")
	assert.Error(t, err)
}
