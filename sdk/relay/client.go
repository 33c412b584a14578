package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// State is the reconnection controller's observable state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrConnectionLost is returned by Run when the channel drops and
// reconnection is disabled.
var ErrConnectionLost = errors.New("relay: connection lost and reconnection disabled")

// Client drives the reconnection state machine over one tunnel channel.
type Client struct {
	opts  Options
	proxy *originProxy
	sem   *semaphore.Weighted

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	current *channel
	reg     *registration

	// OnRegistered, when set before Run, is invoked with the assigned
	// subdomain and public URL each time a registration completes.
	OnRegistered func(subdomain, publicURL string)
}

// New validates the options and builds a client.
func New(opts Options) (*Client, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	proxy, err := newOriginProxy(opts.LocalURL, opts.OriginTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:  opts,
		proxy: proxy,
		sem:   semaphore.NewWeighted(opts.MaxConcurrency),
		stop:  make(chan struct{}),
	}, nil
}

// State returns the current controller state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Registration returns the last assigned subdomain and public URL.
func (c *Client) Registration() (subdomain, publicURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg == nil {
		return "", ""
	}
	return c.reg.Subdomain, c.reg.PublicURL
}

// Stop transitions to STOPPED unconditionally and makes Run return.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.state.Store(int32(StateStopped))
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()
		if current != nil {
			current.close()
		}
	})
}

// Run connects and serves the tunnel until Stop, context cancellation, an
// authentication rejection, or a disconnect with reconnection disabled.
// It returns nil on an orderly stop, ErrAuthRejected on a rejected secret
// and ErrConnectionLost when reconnection is disabled.
func (c *Client) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	b := newBackoff(c.opts.Reconnect)
	for {
		if c.stopped(runCtx) {
			c.state.Store(int32(StateStopped))
			return nil
		}

		c.state.Store(int32(StateConnecting))
		ch, reg, err := dialChannel(runCtx, &c.opts, c.proxy, c.sem)
		if err == nil {
			c.state.Store(int32(StateConnected))
			b.reset()
			c.mu.Lock()
			c.current = ch
			c.reg = reg
			c.mu.Unlock()
			log.WithField("subdomain", reg.Subdomain).Infof("tunnel established at %s", reg.PublicURL)
			if c.OnRegistered != nil {
				c.OnRegistered(reg.Subdomain, reg.PublicURL)
			}

			err = ch.run(runCtx)

			c.mu.Lock()
			c.current = nil
			c.mu.Unlock()
		}

		if errors.Is(err, ErrAuthRejected) {
			c.state.Store(int32(StateStopped))
			return ErrAuthRejected
		}
		if c.stopped(runCtx) {
			c.state.Store(int32(StateStopped))
			return nil
		}
		if !c.opts.Reconnect.Enabled {
			c.state.Store(int32(StateStopped))
			log.WithField("error", err).Error("connection lost, reconnection disabled")
			return ErrConnectionLost
		}

		c.state.Store(int32(StateBackoff))
		delay := b.next()
		log.WithFields(log.Fields{
			"attempt": b.attemptCount(),
			"delay":   delay.Truncate(time.Millisecond),
			"error":   err,
		}).Info("reconnecting")
		select {
		case <-runCtx.Done():
			c.state.Store(int32(StateStopped))
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	default:
	}
	return ctx.Err() != nil
}
