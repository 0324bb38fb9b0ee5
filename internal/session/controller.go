package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/device"
	"github.com/srg/nuslink/internal/groutine"
	"github.com/srg/nuslink/internal/ringchan"
)

// DefaultWatchBuffer is the number of status updates a slow watcher may lag behind
// before the oldest are overwritten.
const DefaultWatchBuffer = 16

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger used for controller diagnostics.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSinkFactory sets how a session sink is opened when an identity is bound.
func WithSinkFactory(f SinkFactory) Option {
	return func(c *Controller) {
		if f != nil {
			c.newSink = f
		}
	}
}

// WithRetryPolicy overrides device.DefaultRetryPolicy.
func WithRetryPolicy(p device.RetryPolicy) Option {
	return func(c *Controller) {
		c.policy = p
	}
}

// WithValidator replaces the validator, mostly for tests.
func WithValidator(v *Validator) Option {
	return func(c *Controller) {
		if v != nil {
			c.validator = v
		}
	}
}

// Controller owns one bound peripheral identity and drives its session.
//
// Lock order is opMu, then mu. opMu serialises link setup and teardown; mu guards
// the fields below it and is never held across transport calls. Cancelling a pending
// attempt only needs mu, so Disconnect never waits for a connect to resolve.
type Controller struct {
	transport device.Transport
	validator *Validator
	logger    *logrus.Logger
	policy    device.RetryPolicy
	newSink   SinkFactory

	ctx  context.Context
	stop context.CancelFunc

	opMu sync.Mutex

	mu          sync.Mutex
	bound       bool
	identity    device.Identity
	sink        Sink
	pending     device.Attempt
	link        device.Link
	status      Status
	disposed    bool
	watchers    map[int]*ringchan.RingChannel[Status]
	nextWatcher int
}

// NewController creates an idle controller on top of transport.
func NewController(transport device.Transport, opts ...Option) *Controller {
	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		transport: transport,
		logger:    logrus.New(),
		policy:    device.DefaultRetryPolicy(),
		newSink:   nopSinkFactory,
		ctx:       ctx,
		stop:      stop,
		sink:      NopSink{},
		status:    Status{State: Idle},
		watchers:  make(map[int]*ringchan.RingChannel[Status]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		c.validator = NewValidator(c.logger)
	}
	return c
}

// Connect binds id and starts connecting. It is a no-op when an identity is already
// bound, so repeated calls keep the original identity.
func (c *Controller) Connect(id device.Identity) error {
	if id.IsZero() {
		return fmt.Errorf("%w: device address is empty", ErrPrecondition)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.bound {
		c.logger.WithFields(logrus.Fields{
			"bound":     c.identity.Address,
			"requested": id.Address,
		}).Debug("Session already bound, ignoring connect")
		c.mu.Unlock()
		return nil
	}
	c.bound = true
	c.identity = id
	c.sink = c.newSink(id)
	if c.sink == nil {
		c.sink = NopSink{}
	}
	c.mu.Unlock()

	c.logger.WithField("address", id.Address).Info("Session bound")
	return c.Reconnect()
}

// Reconnect issues a new connection attempt for the bound identity. It is a no-op
// when nothing is bound or a link is already up. Calling it while an attempt is
// pending returns ErrAttemptPending and leaves the pending attempt alone.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if !c.bound {
		c.mu.Unlock()
		return nil
	}
	if c.pending != nil {
		address := c.identity.Address
		c.mu.Unlock()
		c.logger.WithField("address", address).Error("Reconnect called while a connection attempt is pending")
		return ErrAttemptPending
	}
	if c.link != nil {
		c.mu.Unlock()
		c.logger.Debug("Reconnect called with an established link, ignoring")
		return nil
	}

	attempt := c.transport.Connect(c.identity, c.policy)
	c.pending = attempt
	c.setStatusLocked(Status{State: Connecting})
	c.mu.Unlock()

	attempt.Enqueue(func(link device.Link, err error) {
		c.onAttemptComplete(attempt, link, err)
	})
	return nil
}

func (c *Controller) onAttemptComplete(attempt device.Attempt, link device.Link, err error) {
	c.opMu.Lock()
	lost := c.completeAttempt(attempt, link, err)
	c.opMu.Unlock()

	if lost {
		c.autoReconnect()
	}
}

// completeAttempt reports whether the link dropped during setup. Caller holds opMu.
func (c *Controller) completeAttempt(attempt device.Attempt, link device.Link, err error) bool {
	c.mu.Lock()
	if c.pending != attempt {
		c.mu.Unlock()
		// cancelled or superseded
		if link != nil {
			c.logger.Debug("Releasing link of a cancelled attempt")
			if derr := link.Disconnect(false); derr != nil {
				c.logger.WithField("error", derr).Warn("Failed to release link of a cancelled attempt")
			}
		}
		return false
	}
	c.pending = nil

	if err != nil {
		c.setStatusLocked(Status{State: Idle, Err: err})
		address := c.identity.Address
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Connection failed")
		return false
	}

	c.link = link
	c.setStatusLocked(Status{State: ServicesDiscovering})
	c.mu.Unlock()

	c.watchLink(link)
	return c.setupLink(link)
}

// setupLink runs discovery, validation and subscription. It reports whether the
// link dropped underneath a step. Caller holds opMu.
func (c *Controller) setupLink(link device.Link) bool {
	services, err := link.DiscoverServices()
	if err != nil {
		return c.failSetup(link, true, fmt.Errorf("service discovery failed: %w", err))
	}

	if !c.advance(link, Validating) {
		return false
	}
	supported, err := c.validator.Validate(services)
	if err != nil {
		_ = c.teardown(link, true, err)
		return false
	}
	if !supported {
		c.logger.WithField("address", link.Identity().Address).Warn("Device does not support the Nordic UART Service")
		_ = c.teardown(link, c.validator.ShouldClearCache(), ErrUnsupportedDevice)
		return false
	}

	if !c.advance(link, Subscribing) {
		return false
	}
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if err := c.validator.OnLinkEstablished(link, sink); err != nil {
		return c.failSetup(link, c.validator.ShouldClearCache(), err)
	}

	c.advance(link, Ready)
	return false
}

// failSetup tears link down after a failed setup step. When the link itself went
// away the cause is ErrLinkLost and failSetup returns true.
func (c *Controller) failSetup(link device.Link, clearCache bool, err error) bool {
	if !linkDropped(link, err) {
		_ = c.teardown(link, clearCache, err)
		return false
	}

	c.logger.WithFields(logrus.Fields{
		"address": link.Identity().Address,
		"error":   err,
	}).Warn("Link lost during setup")
	_ = c.teardown(link, clearCache, fmt.Errorf("%w: %v", ErrLinkLost, err))
	return true
}

func linkDropped(link device.Link, err error) bool {
	if errors.Is(err, device.ErrNotConnected) {
		return true
	}
	select {
	case <-link.Done():
		return true
	default:
		return false
	}
}

// advance moves to state if link is still the session's link and the identity is
// still bound. Otherwise the pending Disconnect owns the teardown.
func (c *Controller) advance(link device.Link, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != link || !c.bound {
		return false
	}
	c.setStatusLocked(Status{State: state})
	return true
}

// teardown releases link and ends in Idle with cause. Caller holds opMu.
func (c *Controller) teardown(link device.Link, clearCache bool, cause error) error {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(Status{State: Disconnecting, Err: cause})
	c.mu.Unlock()

	c.validator.OnLinkInvalidated()
	err := link.Disconnect(clearCache)
	if err != nil {
		c.logger.WithField("error", err).Warn("Disconnect reported an error")
	}

	c.mu.Lock()
	c.link = nil
	c.setStatusLocked(Status{State: Idle, Err: cause})
	c.mu.Unlock()
	return err
}

// Disconnect unbinds the identity. A pending attempt is cancelled and the session
// goes straight to Idle without a physical disconnect. An established link is torn
// down, dropping the transport's service cache if the device was unsupported.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	wasBound := c.bound
	c.bound = false
	if c.pending != nil {
		attempt := c.pending
		c.pending = nil
		attempt.Cancel()
		c.setStatusLocked(Status{State: Idle})
		address := c.identity.Address
		c.mu.Unlock()
		c.logger.WithField("address", address).Info("Pending connection attempt cancelled")
		return nil
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		if wasBound {
			c.logger.Debug("Disconnect called without a link")
		}
		return nil
	}

	return c.teardown(link, c.validator.ShouldClearCache(), nil)
}

// Dispose disconnects and closes every watcher. Later calls to Connect and
// Reconnect return ErrDisposed.
func (c *Controller) Dispose() error {
	err := c.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return err
	}
	c.disposed = true
	c.stop()
	for id, w := range c.watchers {
		w.Close()
		delete(c.watchers, id)
	}
	return err
}

// watchLink turns the link's Done signal into onLinkLost.
func (c *Controller) watchLink(link device.Link) {
	groutine.Go(c.ctx, "session-link-watch", func(ctx context.Context) {
		select {
		case <-link.Done():
			c.onLinkLost(link)
		case <-ctx.Done():
		}
	})
}

func (c *Controller) onLinkLost(link device.Link) {
	c.opMu.Lock()

	c.mu.Lock()
	current := c.link == link
	c.mu.Unlock()
	if !current {
		c.opMu.Unlock()
		return
	}

	c.logger.WithField("address", link.Identity().Address).Warn("Link lost")
	_ = c.teardown(link, c.validator.ShouldClearCache(), ErrLinkLost)
	c.opMu.Unlock()

	c.autoReconnect()
}

// autoReconnect re-issues the attempt after a link loss when the policy allows it.
// Caller must not hold opMu.
func (c *Controller) autoReconnect() {
	c.mu.Lock()
	retry := c.policy.AutoReconnect && c.bound && !c.disposed
	c.mu.Unlock()
	if !retry {
		return
	}

	c.logger.Info("Auto-reconnecting")
	if err := c.Reconnect(); err != nil && !errors.Is(err, ErrAttemptPending) {
		c.logger.WithField("error", err).Warn("Auto-reconnect failed to start")
	}
}

// Write sends data to the peripheral. Only valid in Ready.
func (c *Controller) Write(data []byte) error {
	c.mu.Lock()
	if c.status.State != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	link := c.link
	c.mu.Unlock()

	return c.validator.Write(link, data)
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Identity returns the bound identity.
func (c *Controller) Identity() (device.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.bound
}

// Pending reports whether a connection attempt is outstanding.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Validator returns the controller's validator.
func (c *Controller) Validator() *Validator {
	return c.validator
}

// Watch subscribes to status updates. The current status is delivered first. A slow
// reader loses the oldest updates rather than blocking the controller. The channel
// is closed by the returned cancel func or by Dispose.
func (c *Controller) Watch() (<-chan Status, func()) {
	rc := ringchan.New[Status](DefaultWatchBuffer)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		rc.Send(c.status)
		rc.Close()
		return rc.C(), func() {}
	}

	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = rc
	rc.Send(c.status)

	return rc.C(), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			w.Close()
			delete(c.watchers, id)
		}
	}
}

func (c *Controller) setStatusLocked(st Status) {
	prev := c.status
	c.status = st

	c.logger.WithFields(logrus.Fields{
		"from": prev.State,
		"to":   st.State,
	}).Debug("Session state changed")

	level := logrus.InfoLevel
	if st.Err != nil {
		level = logrus.WarnLevel
	}
	c.sink.Log(level, st.message())

	for _, w := range c.watchers {
		if w.Send(st) {
			c.logger.Debug("Status watcher lagging, oldest update overwritten")
		}
	}
}
