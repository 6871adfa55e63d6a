package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teei-platform/semaphore/pkg/logging"
)

// State is the stream controller's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is returned by Run when every reconnect attempt has
// failed. The controller is then in StateFailed and will not dial again;
// recovery requires user action (a fresh controller).
var ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")

// Config configures a Controller.
type Config struct {
	Transport Transport
	Logger    logging.Logger

	// Backoff controls reconnect pacing. Zero value means DefaultBackoff.
	Backoff Backoff

	// MaxAttempts is the number of consecutive failed connection attempts
	// tolerated before the controller gives up. Default 10.
	MaxAttempts int

	// HeartbeatInterval is the server's heartbeat period. Default 30s.
	HeartbeatInterval time.Duration

	// MissedHeartbeats is how many silent intervals mark the connection
	// dead. Default 2.
	MissedHeartbeats int

	// OnEvent receives every applied domain event, in id order, exactly
	// once per id. Heartbeats and control signals are not delivered here.
	OnEvent func(Event)

	// OnStateChange, when set, observes every state transition.
	OnStateChange func(State)

	// OnResync, when set, is called when the server signals that the
	// resume point is gone and the client must refetch a full snapshot.
	OnResync func()
}

// Controller drives one resilient stream subscription. It dials through
// the Transport, applies events idempotently by id, watches heartbeats,
// and reconnects with capped exponential backoff, resuming from the last
// applied event id.
type Controller struct {
	cfg         Config
	state       atomic.Int32
	lastEventID atomic.Uint64
	logger      logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Controller. Call Run to start consuming.
func New(cfg Config) *Controller {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeats == 0 {
		cfg.MissedHeartbeats = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger,
		closed: make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// LastEventID returns the id of the last applied event.
func (c *Controller) LastEventID() uint64 {
	return c.lastEventID.Load()
}

// Close stops the controller. Run returns shortly after.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Run consumes the stream until ctx is canceled, Close is called, or the
// reconnect budget is exhausted. It blocks; run it in its own goroutine.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Only failed dials consume the retry budget; a connection that was
	// established and later dropped retries from the base delay with the
	// counter untouched.
	attempts := 0
	c.setState(StateConnecting)

	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		stream, err := c.cfg.Transport.Connect(ctx, c.lastEventID.Load())
		if err != nil {
			attempts++
			c.logger.WithError(err).WithFields(logging.Fields{
				"attempt":       attempts,
				"last_event_id": c.lastEventID.Load(),
			}).Warn("Stream connection failed")
			if attempts >= c.cfg.MaxAttempts {
				c.setState(StateFailed)
				return ErrRetriesExhausted
			}
			c.setState(StateReconnecting)
			if !sleepCtx(ctx, c.cfg.Backoff.Delay(attempts-1)) {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			continue
		}

		c.setState(StateConnected)
		attempts = 0

		err = c.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.logger.WithError(err).WithField("last_event_id", c.lastEventID.Load()).Info("Stream dropped, reconnecting")
		c.setState(StateReconnecting)
		if !sleepCtx(ctx, c.cfg.Backoff.Delay(0)) {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

type readResult struct {
	ev  Event
	err error
}

// consume reads one connection until it dies or goes silent longer than
// the heartbeat budget.
func (c *Controller) consume(ctx context.Context, stream EventStream) error {
	results := make(chan readResult)
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	go func() {
		for {
			ev, err := stream.Next()
			select {
			case results <- readResult{ev: ev, err: err}:
			case <-readerCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	silenceBudget := c.cfg.HeartbeatInterval * time.Duration(c.cfg.MissedHeartbeats)
	watchdog := time.NewTimer(silenceBudget)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watchdog.C:
			return errors.New("no events or heartbeats within liveness budget")
		case res := <-results:
			if res.err != nil {
				return res.err
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(silenceBudget)
			c.apply(res.ev)
		}
	}
}

// apply dispatches one event. Application is idempotent by id: replay
// overlap and at-least-once redelivery collapse to a single delivery.
func (c *Controller) apply(ev Event) {
	switch ev.Type {
	case EventHeartbeat:
		return
	case EventResyncRequired:
		// Resume point is gone: drop it and have the application refetch
		// a full snapshot before trusting incremental updates again.
		c.lastEventID.Store(0)
		c.logger.Info("Server signaled resync, resetting resume point")
		if c.cfg.OnResync != nil {
			c.cfg.OnResync()
		}
		return
	}

	if ev.ID != 0 && ev.ID <= c.lastEventID.Load() {
		return
	}
	if ev.ID != 0 {
		c.lastEventID.Store(ev.ID)
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func (c *Controller) setState(s State) {
	old := c.state.Swap(int32(s))
	if State(old) == s {
		return
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
