package rendezvous_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/rendezvous"
	"github.com/voxpair/voxpair/internal/session"
)

func testConfig() rendezvous.Config {
	return rendezvous.Config{
		Namespace:      "voxpair-test",
		Criteria:       "any",
		SlotCount:      5,
		HostWait:       2 * time.Second,
		ConnectTimeout: time.Second,
		MatchTimeout:   10 * time.Second,
	}
}

// recordingBroker wraps a Broker and remembers every name registered
// through it, in order.
type recordingBroker struct {
	broker.Broker

	mu    sync.Mutex
	names []string
}

func (r *recordingBroker) Register(ctx context.Context, name string) (broker.Listener, error) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return r.Broker.Register(ctx, name)
}

func (r *recordingBroker) registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// TestFindPartnerPairsTwoPeers runs two coordinators against one broker and
// expects a complementary host/guest pairing on the same slot.
func TestFindPartnerPairsTwoPeers(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	ctx := context.Background()
	cfg := testConfig()

	type result struct {
		pairing *rendezvous.Pairing
		err     error
	}
	results := make(chan result, 2)
	find := func() {
		p, err := rendezvous.NewCoordinator(b, cfg).FindPartner(ctx)
		results <- result{p, err}
	}

	go find()
	time.Sleep(50 * time.Millisecond) // let the first peer claim the slot
	go find()

	var pairings []*rendezvous.Pairing
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			pairings = append(pairings, r.pairing)
		case <-time.After(5 * time.Second):
			t.Fatal("rendezvous did not complete")
		}
	}

	roles := map[session.Role]int{}
	for _, p := range pairings {
		roles[p.Role]++
		assert.NotNil(t, p.Conn)
	}
	assert.Equal(t, 1, roles[session.RoleHost], "exactly one host")
	assert.Equal(t, 1, roles[session.RoleGuest], "exactly one guest")
	assert.Equal(t, pairings[0].Slot, pairings[1].Slot, "both peers on the same slot")
}

// TestFindPartnerRotatesSlots verifies a lone peer cycles through the slot
// list, wrapping past the end, instead of camping on one name.
func TestFindPartnerRotatesSlots(t *testing.T) {
	rec := &recordingBroker{Broker: broker.NewMemory()}
	defer rec.Broker.Close()

	cfg := testConfig()
	cfg.SlotCount = 3
	cfg.HostWait = 20 * time.Millisecond
	cfg.MatchTimeout = 150 * time.Millisecond

	_, err := rendezvous.NewCoordinator(rec, cfg).FindPartner(context.Background())
	assert.ErrorIs(t, err, rendezvous.ErrNoPartner)

	names := rec.registered()
	require.GreaterOrEqual(t, len(names), 4, "expected several rotation attempts")
	assert.NotEqual(t, names[0], names[1], "rotation must advance the slot")
	assert.NotEqual(t, names[1], names[2])
	assert.Equal(t, names[0], names[3], "rotation wraps to the first slot")
}

// TestFindPartnerReleasesRegistrations verifies no slot stays claimed after
// the loop gives up.
func TestFindPartnerReleasesRegistrations(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	cfg := testConfig()
	cfg.HostWait = 20 * time.Millisecond
	cfg.MatchTimeout = 100 * time.Millisecond

	_, err := rendezvous.NewCoordinator(b, cfg).FindPartner(context.Background())
	require.ErrorIs(t, err, rendezvous.ErrNoPartner)

	for idx := 0; idx < cfg.SlotCount; idx++ {
		name := rendezvous.SlotID(cfg.Namespace, cfg.Criteria, idx)
		l, err := b.Register(context.Background(), name)
		require.NoError(t, err, "slot %s still registered after match gave up", name)
		l.Close()
	}
}

// TestFindPartnerCancelled verifies user cancellation surfaces as such, not
// as a no-partner outcome.
func TestFindPartnerCancelled(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()

	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := rendezvous.NewCoordinator(b, cfg).FindPartner(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not stop the loop")
	}
}
