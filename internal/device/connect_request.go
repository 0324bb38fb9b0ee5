package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/nuslink/internal/groutine"
)

// DialFunc performs a single physical connection attempt. It must honour ctx.
type DialFunc func(ctx context.Context, id Identity) (Link, error)

// ConnectRequest is the retrying Attempt shared by transports. It dials up to
// RetryPolicy.MaxAttempts times, waiting RetryPolicy.Backoff between failures,
// and bounds every dial with RetryPolicy.AttemptTimeout.
type ConnectRequest struct {
	dial   DialFunc
	id     Identity
	policy RetryPolicy
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	once     sync.Once
	attempts atomic.Int32
	done     chan struct{}
}

// NewConnectRequest creates a request that does nothing until Enqueue is called.
func NewConnectRequest(dial DialFunc, id Identity, policy RetryPolicy, logger *logrus.Logger) *ConnectRequest {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectRequest{
		dial:   dial,
		id:     id,
		policy: policy,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Enqueue starts the request in the background. then is called exactly once, from the
// request goroutine, with the link or the terminal error. A cancelled request reports
// context.Canceled. Only the first Enqueue has an effect.
func (r *ConnectRequest) Enqueue(then func(Link, error)) {
	started := false
	r.once.Do(func() {
		started = true
		groutine.Go(context.Background(), "connect-request", func(_ context.Context) {
			defer close(r.done)
			link, err := r.run()
			if then != nil {
				then(link, err)
			}
		})
	})
	if !started {
		r.logger.WithField("address", r.id.Address).Warn("Connect request enqueued more than once, ignoring")
	}
}

// Cancel aborts the request. A dial in progress is interrupted through its context and
// a link that completes after cancellation is disconnected. Safe to call at any time.
func (r *ConnectRequest) Cancel() {
	r.cancel()
}

// Done is closed once the continuation passed to Enqueue has returned.
func (r *ConnectRequest) Done() <-chan struct{} {
	return r.done
}

// Attempts returns how many dials this request has started.
func (r *ConnectRequest) Attempts() int {
	return int(r.attempts.Load())
}

func (r *ConnectRequest) run() (Link, error) {
	maxAttempts := r.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	log := r.logger.WithField("address", r.id.Address)
	var last error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.ctx.Err() != nil {
			return nil, context.Canceled
		}
		r.attempts.Store(int32(attempt))

		log.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		}).Debug("Dialing BLE device...")

		link, err := r.dialOnce()
		if err == nil {
			if r.ctx.Err() != nil {
				log.Debug("Connect request cancelled while dialing, releasing link")
				if derr := link.Disconnect(false); derr != nil {
					log.WithField("error", derr).Warn("Failed to release link after cancellation")
				}
				return nil, context.Canceled
			}
			log.WithField("attempt", attempt).Info("BLE device connected")
			return link, nil
		}

		if r.ctx.Err() != nil {
			return nil, context.Canceled
		}

		last = err
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Connection attempt failed")

		if !isRetryable(err) {
			return nil, err
		}

		if attempt < maxAttempts && r.policy.Backoff > 0 {
			timer := time.NewTimer(r.policy.Backoff)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return nil, context.Canceled
			case <-timer.C:
			}
		}
	}

	return nil, &ExhaustedError{Address: r.id.Address, Attempts: maxAttempts, Last: last}
}

func (r *ConnectRequest) dialOnce() (Link, error) {
	ctx := r.ctx
	if r.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, r.policy.AttemptTimeout)
		defer cancel()
	}

	link, err := r.dial(ctx, r.id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() == nil {
			return nil, fmt.Errorf("dial %s: %w", r.id.Address, ErrTimeout)
		}
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("dial %s: transport returned no link", r.id.Address)
	}
	return link, nil
}

// isRetryable reports whether another dial could succeed. Adapter state errors do not
// change between attempts.
func isRetryable(err error) bool {
	return !errors.Is(err, ErrBluetoothOff) && !errors.Is(err, ErrNotInitialized)
}
