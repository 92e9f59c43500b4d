package link

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/go-i2p/go-overnet/lib/common/labels"
	"github.com/go-i2p/go-overnet/lib/observable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard(labels.NodeLinkID, []byte) error { return nil }

func TestNewRejectsInvalidArguments(t *testing.T) {
	_, err := New(1, 1, nil)
	assert.ErrorIs(t, err, ErrNoDeliverFunc)

	_, err = New(0, 1, discard)
	assert.ErrorIs(t, err, ErrInvalidPeerID)
}

func TestSendAndNextSend(t *testing.T) {
	l, err := New(2, 5, discard)
	require.NoError(t, err)

	require.NoError(t, l.Send(context.Background(), []byte{1, 2, 3}))
	frame, err := l.NextSend(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, frame)

	diag := l.DiagnosticInfo()
	assert.Equal(t, labels.NodeLinkID(5), diag.ID)
	assert.Equal(t, uint64(1), diag.SentPackets)
	assert.Equal(t, uint64(3), diag.SentBytes)
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	l, err := New(2, 1, discard)
	require.NoError(t, err)
	err = l.Send(context.Background(), make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReceivedPacketDelivers(t *testing.T) {
	var gotID labels.NodeLinkID
	var gotFrame []byte
	l, err := New(2, 9, func(id labels.NodeLinkID, frame []byte) error {
		gotID, gotFrame = id, frame
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, l.ReceivedPacket([]byte("hi")))
	assert.Equal(t, labels.NodeLinkID(9), gotID)
	assert.Equal(t, []byte("hi"), gotFrame)
	assert.Equal(t, uint64(1), l.DiagnosticInfo().ReceivedPackets)
}

func TestCloseStopsTraffic(t *testing.T) {
	l, err := New(2, 1, discard)
	require.NoError(t, err)
	require.NotNil(t, l.MakeStatus())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Nil(t, l.MakeStatus())
	assert.ErrorIs(t, l.Send(context.Background(), []byte{1}), ErrLinkClosed)
	assert.ErrorIs(t, l.ReceivedPacket([]byte{1}), ErrLinkClosed)
	_, err = l.NextSend(context.Background())
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.True(t, l.DiagnosticInfo().Closed)
}

func TestDescriptionObserverSeesUpdatesAndClose(t *testing.T) {
	l, err := New(3, 1, discard)
	require.NoError(t, err)
	ob := l.NewDescriptionObserver()
	ctx := context.Background()

	d, err := ob.Next(ctx)
	require.NoError(t, err)
	assert.True(t, d.Up)
	assert.Equal(t, labels.NodeID(3), d.PeerNodeID)

	l.SetLabel("tcp:127.0.0.1")
	l.SetRoundTripTime(5 * time.Millisecond)
	d, err = ob.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tcp:127.0.0.1", d.Label)
	assert.Equal(t, 5*time.Millisecond, d.RoundTripTime)
	assert.Equal(t, 5*time.Millisecond, l.MakeStatus().RoundTripTime)

	require.NoError(t, l.Close())
	d, err = ob.Next(ctx)
	require.NoError(t, err)
	assert.False(t, d.Up)
	_, err = ob.Next(ctx)
	assert.ErrorIs(t, err, observable.ErrClosed)
}

func TestAbandonedLinkEndsDescriptionObservers(t *testing.T) {
	ob := func() *observable.Observer[Description] {
		l, err := New(4, 1, discard)
		require.NoError(t, err)
		return l.NewDescriptionObserver()
	}()
	_, err := ob.Next(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runtime.GC()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := ob.Next(ctx)
		return err == observable.ErrClosed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPacketMarshalParse(t *testing.T) {
	p := Packet{Src: 1, Dst: 2, Flags: FlagToServer | FlagInitial, Payload: []byte("payload")}
	frame := p.Marshal()
	assert.Len(t, frame, HeaderSize+len("payload"))

	got, err := ParsePacket(frame)
	require.NoError(t, err)
	assert.Equal(t, p.Src, got.Src)
	assert.Equal(t, p.Dst, got.Dst)
	assert.True(t, got.Flags.Has(FlagToServer))
	assert.True(t, got.Flags.Has(FlagInitial))
	assert.Equal(t, p.Payload, got.Payload)
}

func TestParsePacketRejectsShortFrame(t *testing.T) {
	_, err := ParsePacket(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortPacket)
}
