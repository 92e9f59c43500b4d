package peer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeHeader(&buf, streamService, "hello world"))
	buf.WriteString("payload")

	kind, name, err := readHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, streamService, kind)
	assert.Equal(t, "hello world", name)
	assert.Equal(t, "payload", buf.String(), "the header is consumed exactly")
}

func TestStreamHeaderRejects(t *testing.T) {
	assert.ErrorIs(t, writeHeader(new(bytes.Buffer), streamService, strings.Repeat("s", maxServiceName+1)), ErrProtocol)

	_, _, err := readHeader(bytes.NewReader([]byte{9, 0, 0}))
	assert.ErrorIs(t, err, ErrProtocol, "unknown kind")
	_, _, err = readHeader(bytes.NewReader([]byte{byte(streamService), 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrProtocol, "oversized name")
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	frame := encodeFrame(frameServices, make([]byte, maxControlPayload+1))
	_, _, err := readFrame(bytes.NewReader(frame), make([]byte, controlHeaderSize))
	assert.ErrorIs(t, err, ErrProtocol)

	frame = encodeFrame(frameLinkStatus, []byte(`[]`))
	typ, payload, err := readFrame(bytes.NewReader(frame), make([]byte, controlHeaderSize))
	require.NoError(t, err)
	assert.Equal(t, frameLinkStatus, typ)
	assert.Equal(t, `[]`, string(payload))
}
