//go:build linux || darwin

package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/nuslink/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Port is a PTY master with asynchronous, ring-buffered I/O.
type Port struct {
	logger      *logrus.Logger
	onError     func(error)
	pollTimeout int

	master *os.File
	slave  *os.File
	name   string

	out *ringbuffer.RingBuffer
	in  *ringbuffer.RingBuffer

	handler   atomic.Pointer[InputHandler]
	inputWake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	readErrOnce  sync.Once
	writeErrOnce sync.Once

	outDropped atomic.Uint64
	inDropped  atomic.Uint64
	outBytes   atomic.Uint64
	inBytes    atomic.Uint64
	panics     atomic.Uint64
}

// Open creates a raw-mode PTY pair and starts its I/O loops.
func Open(opts *Options) (*Port, error) {
	o := opts.withDefaults()

	master, slave, fd, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		logger:      o.Logger,
		onError:     o.OnError,
		pollTimeout: int(o.PollTimeout / time.Millisecond),
		master:      master,
		slave:       slave,
		name:        slave.Name(),
		out:         ringbuffer.New(o.OutputCap),
		in:          ringbuffer.New(o.InputCap),
		inputWake:   make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	if p.pollTimeout == 0 {
		p.pollTimeout = 1
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop(fd) })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop(fd) })
	groutine.Go(ctx, "pty-input-dispatcher", func(context.Context) { p.dispatch() })

	p.logger.WithField("tty", p.name).Debug("PTY opened")
	return p, nil
}

// openRaw opens a PTY pair with the slave in raw mode and the master non-blocking.
// The master descriptor is returned for the poll loops; Fd must not be called on
// master after this, since Close may run concurrently and Fd resets non-blocking mode.
func openRaw() (master, slave *os.File, fd int, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, cause error) (*os.File, *os.File, int, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, -1, fmt.Errorf("failed to set %s on %s: %w", step, slave.Name(), cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	fd = int(master.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fail("non-blocking mode", err)
	}
	return master, slave, fd, nil
}

// Name returns the slave device path, e.g. /dev/pts/5.
func (p *Port) Name() string {
	return p.name
}

// Write queues data for the slave side. It never blocks; n < len(data) means the
// output ring was full and the rest was dropped.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.out.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		p.outDropped.Add(uint64(dropped))
		p.logger.WithFields(logrus.Fields{
			"tty":     p.name,
			"dropped": dropped,
		}).Warn("PTY output buffer full, dropping bytes")
	}
	return n, nil
}

// SetInputHandler sets or clears the receiver of bytes written to the slave.
func (p *Port) SetInputHandler(h InputHandler) {
	if h == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&h)
	p.wake()
}

func (p *Port) wake() {
	select {
	case p.inputWake <- struct{}{}:
	default:
	}
}

func (p *Port) writeLoop(fd int) {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		n, err := p.out.Read(buf)
		if n == 0 {
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
				p.logger.WithError(err).Warn("PTY output ring read failed")
			}
			// nothing queued; sleep on the poll timeout
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
			continue
		}

		for off := 0; off < n; {
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				p.outBytes.Add(uint64(written))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("PTY write poll failed")
				}
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail(&p.writeErrOnce, fmt.Errorf("PTY write loop: %w", err))
				return
			}
		}
	}
}

func (p *Port) readLoop(fd int) {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			queued, werr := p.in.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) && !errors.Is(werr, ringbuffer.ErrTooMuchDataToWrite) {
				p.logger.WithError(werr).Warn("PTY input ring write failed")
			}
			if queued < n {
				p.inDropped.Add(uint64(n - queued))
			}
			p.inBytes.Add(uint64(queued))
			if queued > 0 {
				p.wake()
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
				// no slave open right now; keep the port alive for the next client
				time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
			default:
				p.fail(&p.readErrOnce, fmt.Errorf("PTY read loop: %w", err))
				return
			}
		}
	}
}

// dispatch hands buffered input to the handler. Input stays buffered while no
// handler is set.
func (p *Port) dispatch() {
	defer p.wg.Done()

	buf := make([]byte, 512)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.inputWake:
		}

		for {
			h := p.handler.Load()
			if h == nil {
				break
			}
			n, _ := p.in.Read(buf)
			if n == 0 {
				break
			}
			p.call(*h, buf[:n])
		}
	}
}

func (p *Port) call(h InputHandler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.WithField("panic", r).Error("PTY input handler panicked")
		}
	}()
	h(data)
}

func (p *Port) fail(once *sync.Once, err error) {
	p.logger.WithError(err).Warn("PTY loop exiting")
	if p.onError != nil {
		once.Do(func() { p.onError(err) })
	}
}

// Stats returns instantaneous counters.
func (p *Port) Stats() Stats {
	return Stats{
		OutputQueued:  p.out.Length(),
		InputQueued:   p.in.Length(),
		OutputDropped: p.outDropped.Load(),
		InputDropped:  p.inDropped.Load(),
		OutputBytes:   p.outBytes.Load(),
		InputBytes:    p.inBytes.Load(),
		HandlerPanics: p.panics.Load(),
	}
}

// Close stops the loops and closes both ends. Safe to call more than once.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := groutine.Go(context.Background(), "pty-wait-close", func(context.Context) {
		p.wg.Wait()
	})
	select {
	case <-done:
	case <-time.After(time.Duration(p.pollTimeout)*time.Millisecond*3 + time.Second):
		p.logger.WithField("tty", p.name).Error("PTY loops did not exit in time")
	}

	p.logger.WithField("tty", p.name).Debug("PTY closed")
	return errors.Join(errs...)
}
