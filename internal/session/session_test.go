package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/media"
	"github.com/voxpair/voxpair/internal/protocol"
	"github.com/voxpair/voxpair/internal/session"
)

func testSessionConfig(gate time.Duration) session.Config {
	return session.Config{
		FeatureGateAfter: gate,
		BusyGrace:        200 * time.Millisecond,
	}
}

// newPair produces both ends of an in-memory pairing.
func newPair(t *testing.T, b *broker.Memory, name string) (host, guest broker.Conn) {
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
	host = <-accepted
	return host, guest
}

// establishPair brings up a full two-sided session: two managers, one
// pairing, both ends established.
func establishPair(t *testing.T, b *broker.Memory, gate time.Duration) (mHost, mGuest *session.Manager, sHost, sGuest *session.Session) {
	t.Helper()
	ctx := context.Background()

	hostConn, guestConn := newPair(t, b, "pairing")
	mHost = session.NewManager(media.Synthetic{}, testSessionConfig(gate))
	mGuest = session.NewManager(media.Synthetic{}, testSessionConfig(gate))

	var wg sync.WaitGroup
	var hostErr, guestErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		sHost, hostErr = mHost.Establish(ctx, session.RoleHost, hostConn, false)
	}()
	go func() {
		defer wg.Done()
		sGuest, guestErr = mGuest.Establish(ctx, session.RoleGuest, guestConn, false)
	}()
	wg.Wait()

	require.NoError(t, hostErr)
	require.NoError(t, guestErr)
	return mHost, mGuest, sHost, sGuest
}

// drainFor collects every event emitted within d.
func drainFor(events <-chan session.Event, d time.Duration) []session.Event {
	deadline := time.After(d)
	var out []session.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func countRemoteVideo(events []session.Event, on bool) int {
	n := 0
	for _, ev := range events {
		if ev.Type == session.EventRemoteVideo && ev.On == on {
			n++
		}
	}
	return n
}

func TestEstablishPair(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	mHost, mGuest, sHost, sGuest := establishPair(t, b, 0)

	assert.Equal(t, session.StateActiveAudio, sHost.State())
	assert.Equal(t, session.StateActiveAudio, sGuest.State())
	assert.Equal(t, session.RoleHost, sHost.Role())
	assert.Equal(t, session.RoleGuest, sGuest.Role())
	assert.Same(t, sHost, mHost.Current())
	assert.Same(t, sGuest, mGuest.Current())

	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, sHost.Elapsed(), time.Duration(0))
}

// TestSecondPairingGetsBusy verifies the single-session rule: a pairing
// arriving during a live session is answered with a busy signal and closed,
// and its initiator's establishment fails with ErrRemoteBusy. The live
// session is untouched.
func TestSecondPairingGetsBusy(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	mHost, _, sHost, _ := establishPair(t, b, 0)

	intruderHost, intruderGuest := newPair(t, b, "second")
	require.True(t, mHost.HandleIncoming(intruderHost), "busy manager must consume the pairing")

	mIntruder := session.NewManager(media.Synthetic{}, testSessionConfig(0))
	_, err := mIntruder.Establish(context.Background(), session.RoleGuest, intruderGuest, false)
	assert.ErrorIs(t, err, session.ErrRemoteBusy)
	assert.Nil(t, mIntruder.Current())

	// The original session never noticed.
	assert.Equal(t, session.StateActiveAudio, sHost.State())
	assert.Same(t, sHost, mHost.Current())

	select {
	case <-intruderHost.Done():
	case <-time.After(time.Second):
		t.Fatal("rejected pairing was never closed")
	}
}

func TestHandleIncomingWhenIdle(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	m := session.NewManager(media.Synthetic{}, testSessionConfig(0))
	host, _ := newPair(t, b, "slot")
	assert.False(t, m.HandleIncoming(host), "idle manager must not consume the pairing")
}

// TestUpgradeVideo verifies the audio→video transition propagates to both
// ends and that duplicate triggers, local or remote, change nothing.
func TestUpgradeVideo(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	_, mGuest, sHost, sGuest := establishPair(t, b, 0)
	ctx := context.Background()

	require.NoError(t, sHost.UpgradeVideo(ctx))
	require.NoError(t, sHost.UpgradeVideo(ctx), "duplicate upgrade must be a no-op")

	assert.Equal(t, session.StateActiveVideo, sHost.State())

	events := drainFor(mGuest.Events(), 200*time.Millisecond)
	assert.Equal(t, 1, countRemoteVideo(events, true), "exactly one remote-video notification")
	assert.Equal(t, session.StateActiveVideo, sGuest.State())
}

func TestDowngradeVideo(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	_, mGuest, sHost, sGuest := establishPair(t, b, 0)
	ctx := context.Background()

	require.NoError(t, sHost.UpgradeVideo(ctx))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sHost.DowngradeVideo(ctx))
	require.NoError(t, sHost.DowngradeVideo(ctx), "duplicate downgrade must be a no-op")

	assert.Equal(t, session.StateActiveAudio, sHost.State())

	events := drainFor(mGuest.Events(), 200*time.Millisecond)
	assert.Equal(t, 1, countRemoteVideo(events, false))
	assert.Equal(t, session.StateActiveAudio, sGuest.State())
}

// TestVideoStaysOnWhileRemoteSends verifies a local downgrade does not drop
// the session to audio-only while the remote is still sending video.
func TestVideoStaysOnWhileRemoteSends(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	_, _, sHost, sGuest := establishPair(t, b, 0)
	ctx := context.Background()

	require.NoError(t, sHost.UpgradeVideo(ctx))
	require.NoError(t, sGuest.UpgradeVideo(ctx))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sHost.DowngradeVideo(ctx))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, session.StateActiveVideo, sHost.State(), "remote video keeps the session on video")
	assert.Equal(t, session.StateActiveVideo, sGuest.State())
}

func TestFeatureGate(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	_, _, sHost, _ := establishPair(t, b, time.Hour)
	ctx := context.Background()

	assert.False(t, sHost.FeaturesOpen())

	var gateErr *session.GateError
	err := sHost.SendText(ctx, "too soon")
	require.ErrorAs(t, err, &gateErr)
	assert.Greater(t, gateErr.Remaining, time.Duration(0))

	err = sHost.UpgradeVideo(ctx)
	assert.ErrorAs(t, err, &gateErr)
	assert.Equal(t, session.StateActiveAudio, sHost.State())
}

func TestChat(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	_, mGuest, sHost, _ := establishPair(t, b, 0)

	require.NoError(t, sHost.SendText(context.Background(), "hello"))

	events := drainFor(mGuest.Events(), 200*time.Millisecond)
	var texts []string
	for _, ev := range events {
		if ev.Type == session.EventChat {
			texts = append(texts, ev.Text)
		}
	}
	assert.Equal(t, []string{"hello"}, texts)
}

// TestHangup verifies local hangup returns both ends to idle cleanly, with
// the remote observing a normal end, not an error.
func TestHangup(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	mHost, mGuest, sHost, sGuest := establishPair(t, b, 0)

	sHost.Hangup()

	require.Eventually(t, func() bool {
		return sGuest.State() == session.StateIdle
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, session.StateIdle, sHost.State())
	assert.Nil(t, mHost.Current())
	assert.Nil(t, mGuest.Current())

	events := drainFor(mGuest.Events(), 100*time.Millisecond)
	for _, ev := range events {
		if ev.Type == session.EventEnded {
			assert.NoError(t, ev.Err, "remote hangup is a clean end")
		}
	}
}

// TestNoTicksAfterTeardown verifies session timers are cancelled with the
// session: once idle, the per-second tick stops.
func TestNoTicksAfterTeardown(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	mHost, _, sHost, _ := establishPair(t, b, 0)

	sHost.Hangup()
	require.Eventually(t, func() bool {
		return sHost.State() == session.StateIdle
	}, time.Second, 10*time.Millisecond)

	drainFor(mHost.Events(), 100*time.Millisecond) // flush in-flight events
	for _, ev := range drainFor(mHost.Events(), 1200*time.Millisecond) {
		assert.NotEqual(t, session.EventTick, ev.Type, "tick fired after teardown")
	}
}

// TestConcurrentTeardown races a local hangup against a remote close; the
// session must settle on idle without panicking or double-running cleanup.
func TestConcurrentTeardown(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	_, _, sHost, sGuest := establishPair(t, b, 0)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); sHost.Hangup() }()
	go func() { defer wg.Done(); sHost.Hangup() }()
	go func() { defer wg.Done(); sGuest.Hangup() }()
	wg.Wait()

	require.Eventually(t, func() bool {
		return sHost.State() == session.StateIdle && sGuest.State() == session.StateIdle
	}, time.Second, 10*time.Millisecond)
}

// TestConnFailureTearsDown verifies a dropped connection cleans the session
// up through the same teardown path as an explicit hangup.
func TestConnFailureTearsDown(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	hostConn, guestConn := newPair(t, b, "pairing")
	m := session.NewManager(media.Synthetic{}, testSessionConfig(0))

	done := make(chan error, 1)
	go func() {
		_, err := m.Establish(context.Background(), session.RoleHost, hostConn, false)
		done <- err
	}()

	// The remote vanishes before ever attaching media.
	time.Sleep(50 * time.Millisecond)
	guestConn.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("establish did not observe the dropped connection")
	}
	assert.Nil(t, m.Current())
}

// TestRejectedDuringNegotiation verifies a rejection received while waiting
// for remote media aborts establishment with ErrRemoteRejected.
func TestRejectedDuringNegotiation(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	hostConn, guestConn := newPair(t, b, "pairing")
	m := session.NewManager(media.Synthetic{}, testSessionConfig(0))

	done := make(chan error, 1)
	go func() {
		_, err := m.Establish(context.Background(), session.RoleHost, hostConn, false)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, guestConn.Send(context.Background(), protocol.Control(protocol.KindRejected)))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrRemoteRejected)
	case <-time.After(time.Second):
		t.Fatal("establish did not observe the rejection")
	}
}
