package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/dqmtools/syncmon/internal/wire"
)

// ConnectionConfig holds reconnection settings.
type ConnectionConfig struct {
	// MaxBackoffTicks caps the retry counter; a dropped link waits this many
	// reconnect ticks at most before dialing again.
	MaxBackoffTicks int

	// PollInterval is the minimum spacing between polls of an idle polling
	// connection.
	PollInterval time.Duration

	Logger *log.Logger
}

// DefaultConnectionConfig returns sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		MaxBackoffTicks: 5,
		PollInterval:    3 * time.Second,
		Logger:          log.New(os.Stderr, "[conn] ", log.LstdFlags),
	}
}

// Connection is one logical link to a source. It is not safe for concurrent
// use; all methods run on the owner's event loop.
type Connection struct {
	uri       string
	transport Transport
	sink      func(Event)
	ctx       context.Context
	config    ConnectionConfig

	session Session
	attempt uint64
	opened  bool
	stopped bool

	state   State
	detail  string
	retries int
	wait    int

	inflight int
	poll     *rate.Limiter

	lastRev *wire.Revision
}

// NewConnection creates a connection that reports events to sink. It does
// not dial until Connect is called.
func NewConnection(ctx context.Context, uri string, t Transport, sink func(Event), config ConnectionConfig) *Connection {
	if config.MaxBackoffTicks < 1 {
		config.MaxBackoffTicks = 1
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[conn] ", log.LstdFlags)
	}

	c := &Connection{
		uri:       uri,
		transport: t,
		sink:      sink,
		ctx:       ctx,
		config:    config,
		state:     StateClosed,
		stopped:   true,
	}
	if t.Mode() == ModePoll && config.PollInterval > 0 {
		c.poll = rate.NewLimiter(rate.Every(config.PollInterval), 1)
	}
	return c
}

func (c *Connection) URI() string    { return c.uri }
func (c *Connection) State() State   { return c.state }
func (c *Connection) Detail() string { return c.detail }
func (c *Connection) Mode() Mode     { return c.transport.Mode() }
func (c *Connection) Opened() bool   { return c.opened }
func (c *Connection) Retries() int   { return c.retries }
func (c *Connection) Inflight() int  { return c.inflight }

// Status returns the display string, e.g. "sync: 1000 / 5210".
func (c *Connection) Status() string {
	return Describe(c.state, c.detail)
}

// LastRevision is the highest header revision observed on this link. It
// survives reconnects so the handshake can resume.
func (c *Connection) LastRevision() *wire.Revision {
	return c.lastRev
}

// ObserveRevision raises the last known revision.
func (c *Connection) ObserveRevision(rev *wire.Revision) {
	c.lastRev = wire.MaxRevision(c.lastRev, rev)
}

// SetState sets the display state.
func (c *Connection) SetState(s State, detail string) {
	c.state = s
	c.detail = detail
}

// Connect starts a new session unless one is active.
func (c *Connection) Connect() {
	c.stopped = false
	if c.session != nil {
		return
	}

	if c.retries < c.config.MaxBackoffTicks {
		c.retries++
	}
	c.attempt++
	c.opened = false
	c.inflight = 0

	emit := Emitter{source: c.uri, attempt: c.attempt, sink: c.sink}
	c.session = c.transport.Open(c.ctx, c.uri, emit)
	c.SetState(StateClosed, "connecting")
}

// Close ends the link and stops reconnecting. Events from the closed session
// are ignored afterwards.
func (c *Connection) Close() {
	c.stopped = true
	c.attempt++
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.config.Logger.Printf("Warning: closing %s: %v", c.uri, err)
		}
		c.session = nil
	}
	c.opened = false
	c.inflight = 0
	c.SetState(StateClosed, "disconnected")
}

// Send transmits one encoded frame.
func (c *Connection) Send(msg []byte) error {
	if c.session == nil || !c.opened {
		return fmt.Errorf("%s: %w", c.uri, ErrNotConnected)
	}
	if err := c.session.Send(msg); err != nil {
		return fmt.Errorf("%s: %w: %v", c.uri, ErrTransport, err)
	}
	if c.Mode() == ModePoll {
		c.inflight++
		c.SetState(StateDownloading, strconv.Itoa(c.inflight))
	}
	return nil
}

// Tick advances the reconnect countdown and dials when it expires. It
// reports whether a new attempt was started.
func (c *Connection) Tick() bool {
	if c.stopped || c.session != nil {
		return false
	}
	if c.wait > 0 {
		c.wait--
		if c.wait > 0 {
			return false
		}
	}
	c.Connect()
	return true
}

// ShouldPoll reports whether an idle polling connection is due for a poll.
func (c *Connection) ShouldPoll() bool {
	if c.Mode() != ModePoll || !c.opened || c.inflight > 0 {
		return false
	}
	return c.poll == nil || c.poll.Allow()
}

// HandleEvent applies a session event. It reports false for events that
// belong to an abandoned session and must be dropped.
func (c *Connection) HandleEvent(ev Event) bool {
	if ev.attempt != c.attempt || c.session == nil {
		return false
	}

	switch ev.Kind {
	case EventOpened:
		c.opened = true
		c.retries = 0
		if c.Mode() == ModePoll {
			c.SetState(StateOpen, "http mode")
			if c.poll != nil {
				// The handshake counts as the first poll.
				c.poll.Allow()
			}
		} else {
			c.SetState(StateOpen, "")
		}

	case EventClosed:
		c.session = nil
		c.opened = false
		c.inflight = 0
		c.wait = c.retries
		if c.wait < 1 {
			c.wait = 1
		}
		detail := "disconnected"
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		c.SetState(StateClosed, detail)

	case EventError:
		if c.inflight > 0 {
			c.inflight--
		}
		detail := "transport error"
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		c.SetState(StateError, detail)

	case EventNotify:
		if c.inflight > 0 {
			c.inflight--
		}
		if c.inflight > 0 {
			c.SetState(StateDownloading, strconv.Itoa(c.inflight))
		} else {
			c.SetState(StateOpen, "http mode")
		}
	}
	return true
}
