package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
)

var (
	errTimeout         = errors.New("transport timeout")
	errTransportClosed = errors.New("transport closed")
)

// pendingRequest is the armed response slot for the one in-flight exchange.
type pendingRequest struct {
	match func(*Message) bool
	ch    chan *Message
}

// Transport owns one open HID handle for a container and serializes all
// request/response traffic over it. HID++ correlates responses purely by
// message content on a single channel, so only one request may be in flight
// at a time; reqMu enforces that. Unsolicited reports (announcements,
// battery broadcasts) are handed to onEvent from the read loop, which must
// therefore never block on it.
type Transport struct {
	path string
	dev  *hid.Device

	reqMu     sync.Mutex
	pendingMu sync.Mutex
	pending   *pendingRequest

	onEvent func(*Message)

	done      chan struct{}
	closeOnce sync.Once
}

func openTransport(path string, onEvent func(*Message)) (*Transport, error) {
	dev, err := hid.OpenPath(path)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		path:    path,
		dev:     dev,
		onEvent: onEvent,
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) Path() string { return t.path }

func (t *Transport) readLoop() {
	buf := make([]byte, 64)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		n, err := t.dev.ReadWithTimeout(buf, 200*time.Millisecond)
		if err != nil {
			select {
			case <-t.done:
			default:
				logger.Debug().Str("path", t.path).Err(err).Msg("transport read loop stopped")
			}
			return
		}
		if n == 0 {
			continue
		}
		m, perr := parseMessage(buf[:n])
		if perr != nil {
			// Non-HID++ traffic on the same interface; ignore.
			continue
		}
		t.pendingMu.Lock()
		p := t.pending
		matched := p != nil && p.match(m)
		if matched {
			t.pending = nil
		}
		t.pendingMu.Unlock()
		if matched {
			p.ch <- m
			continue
		}
		if t.onEvent != nil {
			t.onEvent(m)
		}
	}
}

// Request writes req and waits for the matching response, the timeout, or
// cancellation, whichever comes first. An empty read result surfaces as
// errTimeout so callers can retry per their backoff profile; a HID++ error
// report matching the request surfaces as *hidppError.
func (t *Transport) Request(ctx context.Context, req *Message, match func(*Message) bool, timeout time.Duration) (*Message, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	select {
	case <-t.done:
		return nil, errTransportClosed
	default:
	}

	p := &pendingRequest{match: match, ch: make(chan *Message, 1)}
	t.pendingMu.Lock()
	t.pending = p
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		if t.pending == p {
			t.pending = nil
		}
		t.pendingMu.Unlock()
	}()

	if _, err := t.dev.Write(req.toWire()); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-p.ch:
		if m.IsError() {
			return nil, m.AsError()
		}
		return m, nil
	case <-timer.C:
		return nil, errTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, errTransportClosed
	}
}

// Send writes a report without waiting for a response.
func (t *Transport) Send(req *Message) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	_, err := t.dev.Write(req.toWire())
	return err
}

// Close stops the read loop and releases the handle. Any in-flight Request
// fails with errTransportClosed instead of hanging.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.dev.Close()
	})
}
