package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
)

// pair registers name on b, connects to it, and returns both ends of the
// resulting pairing.
func pair(t *testing.T, b *broker.Memory, name string) (host, guest broker.Conn) {
	t.Helper()
	ctx := context.Background()

	l, err := b.Register(ctx, name)
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan broker.Conn, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	guest, err = b.Connect(ctx, name, time.Second)
	require.NoError(t, err)

	select {
	case host = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("listener never accepted")
	}
	return host, guest
}

func TestRegisterExclusive(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	l, err := b.Register(ctx, "slot")
	require.NoError(t, err)

	_, err = b.Register(ctx, "slot")
	assert.ErrorIs(t, err, broker.ErrNameTaken)

	// Closing releases the name for the next registrant.
	require.NoError(t, l.Close())
	l2, err := b.Register(ctx, "slot")
	require.NoError(t, err)
	l2.Close()
}

func TestConnectNobodyHome(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	start := time.Now()
	_, err := b.Connect(context.Background(), "ghost", 50*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrConnectTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestConnectUnaccepted(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	// Registered but never accepting: the guest must time out, not hang.
	_, err := b.Register(ctx, "idle-host")
	require.NoError(t, err)

	_, err = b.Connect(ctx, "idle-host", 50*time.Millisecond)
	assert.ErrorIs(t, err, broker.ErrConnectTimeout)
}

func TestMessageDelivery(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	host, guest := pair(t, b, "slot")

	hostGot := make(chan protocol.Message, 4)
	guestGot := make(chan protocol.Message, 4)
	host.OnMessage(func(m protocol.Message) { hostGot <- m })
	guest.OnMessage(func(m protocol.Message) { guestGot <- m })

	require.NoError(t, guest.Send(ctx, protocol.Chat("hi host")))
	require.NoError(t, host.Send(ctx, protocol.Chat("hi guest")))

	assert.Equal(t, "hi host", (<-hostGot).Text)
	assert.Equal(t, "hi guest", (<-guestGot).Text)
}

// TestMessageBuffering verifies frames sent before a handler is registered
// are replayed to it, not dropped.
func TestMessageBuffering(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	host, guest := pair(t, b, "slot")

	require.NoError(t, guest.Send(ctx, protocol.Control(protocol.KindVideoUpgrade)))
	require.NoError(t, guest.Send(ctx, protocol.Chat("early")))

	got := make(chan protocol.Message, 4)
	host.OnMessage(func(m protocol.Message) { got <- m })

	assert.Equal(t, protocol.KindVideoUpgrade, (<-got).Kind)
	assert.Equal(t, "early", (<-got).Text)
}

func TestMediaNotification(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	host, guest := pair(t, b, "slot")

	infos := make(chan media.RemoteInfo, 2)
	host.OnRemoteMedia(func(info media.RemoteInfo) { infos <- info })

	stream, err := media.Synthetic{}.Acquire(ctx, false)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, guest.AttachMedia(ctx, stream))
	info := <-infos
	assert.Equal(t, host.RemoteID(), info.PeerID)
	assert.False(t, info.HasVideo)

	// Re-attach after adding video produces a fresh notification.
	require.NoError(t, media.Synthetic{}.AddVideo(ctx, stream))
	require.NoError(t, guest.AttachMedia(ctx, stream))
	assert.True(t, (<-infos).HasVideo)
}

func TestClosePropagates(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	host, guest := pair(t, b, "slot")

	require.NoError(t, guest.Close())

	select {
	case <-host.Done():
	case <-time.After(time.Second):
		t.Fatal("host never observed remote close")
	}

	err := host.Send(context.Background(), protocol.Chat("too late"))
	assert.ErrorIs(t, err, broker.ErrClosed)
}

// TestAcceptDrainsUnderCancelledContext pins the late-guest contract: a
// connection already queued is handed out even when the accept context has
// expired.
func TestAcceptDrainsUnderCancelledContext(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()

	l, err := b.Register(ctx, "slot")
	require.NoError(t, err)
	defer l.Close()

	guestDone := make(chan error, 1)
	go func() {
		_, err := b.Connect(ctx, "slot", time.Second)
		guestDone <- err
	}()

	// Let the guest land in the inbox, then accept with a dead context.
	time.Sleep(20 * time.Millisecond)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	conn, err := l.Accept(cancelled)
	require.NoError(t, err)
	assert.NotNil(t, conn)
	require.NoError(t, <-guestDone)

	// With the inbox empty the cancelled context wins.
	_, err = l.Accept(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
