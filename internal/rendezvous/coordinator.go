package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxpair/voxpair/internal/broker"
	"github.com/voxpair/voxpair/internal/session"
	"github.com/voxpair/voxpair/internal/util"
)

// ErrNoPartner is the terminal result when the overall match window closes
// without a pairing.
var ErrNoPartner = errors.New("rendezvous: no partner found")

// Config carries the rendezvous tunables. All three timeouts are mandatory:
// connect (short) bounds a guest dial, host-wait (medium) bounds one slot
// claim, match (long) bounds the whole loop.
type Config struct {
	Namespace string
	Criteria  string
	SlotCount int

	HostWait       time.Duration
	ConnectTimeout time.Duration
	MatchTimeout   time.Duration
}

// Pairing is a successful rendezvous: an open connection plus the role this
// side ended up with. Exactly one of host/guest per pairing, never both.
type Pairing struct {
	Role    session.Role
	Conn    broker.Conn
	Slot    string
	Attempt int
}

// Coordinator drives the slot rotation loop against a broker.
type Coordinator struct {
	broker broker.Broker
	cfg    Config
}

// NewCoordinator creates a coordinator. Config is assumed validated.
func NewCoordinator(b broker.Broker, cfg Config) *Coordinator {
	return &Coordinator{broker: b, cfg: cfg}
}

// FindPartner runs the rendezvous loop until paired or the match window
// closes. Per attempt: compute the slot name, try to register it (host) and
// wait for a guest, or fall back to connecting (guest) when the name is
// taken. Transient failures (lost races, host-wait and connect timeouts)
// rotate to the next slot and never surface. The rotation wraps past
// SlotCount via the modulo, bounded regardless by MatchTimeout.
//
// The loop is iterative with a single bounded counter: no timer chains, no
// recursion, and at most one broker registration outstanding at any moment.
func (c *Coordinator) FindPartner(ctx context.Context) (*Pairing, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MatchTimeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, c.loopErr(ctx)
		default:
		}

		slot := SlotID(c.cfg.Namespace, c.cfg.Criteria, attempt%c.cfg.SlotCount)
		util.MatchAttempts.Inc()

		listener, err := c.broker.Register(ctx, slot)
		switch {
		case err == nil:
			conn, err := c.hostWait(ctx, listener)
			if err == nil {
				log.Info().Str("slot", slot).Int("attempt", attempt).Msg("paired as host")
				return &Pairing{Role: session.RoleHost, Conn: conn, Slot: slot, Attempt: attempt}, nil
			}
			if ctx.Err() != nil {
				return nil, c.loopErr(ctx)
			}
			log.Debug().Str("slot", slot).Msg("host wait elapsed, rotating")
			util.SlotsRotated.Inc()

		case errors.Is(err, broker.ErrNameTaken):
			conn, err := c.broker.Connect(ctx, slot, c.cfg.ConnectTimeout)
			if err == nil {
				log.Info().Str("slot", slot).Int("attempt", attempt).Msg("paired as guest")
				return &Pairing{Role: session.RoleGuest, Conn: conn, Slot: slot, Attempt: attempt}, nil
			}
			if ctx.Err() != nil {
				return nil, c.loopErr(ctx)
			}
			log.Debug().Str("slot", slot).Err(err).Msg("guest connect failed, rotating")
			util.SlotsRotated.Inc()

		default:
			return nil, fmt.Errorf("register %s: %w", slot, err)
		}
	}
}

// hostWait holds a claimed slot for the host-wait window. The registration
// is fully released before the caller moves on: a leaked name nobody
// listens on would strand every guest that finds it. A guest arriving in
// the same instant the window closes is still accepted: Accept's contract
// prefers a pending connection over the cancelled context.
func (c *Coordinator) hostWait(ctx context.Context, l broker.Listener) (broker.Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.HostWait)
	defer cancel()

	conn, err := l.Accept(waitCtx)
	if err != nil {
		// One final look before releasing the name, catching a guest that
		// raced the deadline.
		conn, err = l.Accept(waitCtx)
	}
	l.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Coordinator) loopErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrNoPartner
	}
	return ctx.Err()
}
