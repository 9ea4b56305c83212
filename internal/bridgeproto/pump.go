package bridgeproto

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("websocket write pump closed")
var ErrWritePumpStalled = errors.New("websocket write pump stalled")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 30 * time.Second
)

type writeRequest struct {
	msg  Message
	done chan error
}

// WritePump serializes writes to one WebSocket connection. Control frames
// (connected, error, disconnected) are written ahead of queued data frames.
// A data write blocks while the queue is full, which pauses the caller's
// TCP reader; if the client stays stalled past the data timeout the pump
// closes the connection.
type WritePump struct {
	writeFn     func(Message) error
	closeFn     func()
	high        chan writeRequest
	low         chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration
}

// NewWritePump starts a pump writing JSON frames to conn. stallTimeout
// bounds how long a data frame may wait for queue space.
func NewWritePump(conn *websocket.Conn, writeTimeout, stallTimeout time.Duration, highCap, lowCap int) *WritePump {
	return newWritePumpWithWriter(func(msg Message) error {
		if conn == nil {
			return ErrWritePumpClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()

		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, highCap, lowCap, defaultControlEnqueueTimeout, stallTimeout)
}

func newWritePumpWithWriter(
	writeFn func(Message) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WritePump {
	if highCap <= 0 {
		highCap = 1
	}
	if lowCap <= 0 {
		lowCap = 1
	}
	if highTimeout <= 0 {
		highTimeout = defaultControlEnqueueTimeout
	}
	if lowTimeout <= 0 {
		lowTimeout = defaultDataEnqueueTimeout
	}
	p := &WritePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan writeRequest, highCap),
		low:         make(chan writeRequest, lowCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: highTimeout,
		lowTimeout:  lowTimeout,
	}
	go p.run()
	return p
}

// Write enqueues msg and waits until it has been written or the pump fails.
func (p *WritePump) Write(msg Message) error {
	return p.enqueue(writeRequest{
		msg:  msg,
		done: make(chan error, 1),
	}, IsControl(msg))
}

// Done is closed once the pump has stopped writing.
func (p *WritePump) Done() <-chan struct{} {
	return p.done
}

// Close stops the pump and fails any queued writes. It does not close the
// underlying connection.
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(req writeRequest, high bool) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}

	target := p.low
	wait := p.lowTimeout
	if high {
		target = p.high
		wait = p.highTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case target <- req:
	case <-timer.C:
		p.triggerStall()
		return ErrWritePumpStalled
	}

	select {
	case err := <-req.done:
		return err
	case <-p.done:
		// run may have answered just before exiting.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrWritePumpClosed
		}
	}
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWritePumpClosed)
			return
		}
		err := p.write(req)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWritePumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *WritePump) write(req writeRequest) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(req.msg)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			req.done <- err
		case req := <-p.low:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerStall() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
