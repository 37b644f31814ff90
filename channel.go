// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"fmt"
	"sync"
)

// A ProxyChannel is the caller side of the exchange with one remote object.
// It sends a request and blocks until the matching reply arrives.
//
// Replies are matched to a channel by its ID alone, so a channel permits at
// most one outstanding request: a call made while another is in flight fails
// with ErrChannelBusy without sending anything. To share a channel among
// goroutines, wrap it with Serial.
type ProxyChannel struct {
	mux  *Mux
	id   uint32
	conn *Conn // nil for a co-located channel

	reply chan *Frame   // buffered; receives the reply to the current call
	done  chan struct{} // closed when the channel breaks

	μ         sync.Mutex
	busy      bool  // a request is outstanding
	abandoned bool  // the caller stopped waiting for the outstanding request
	closed    bool  // Close was called
	err       error // why the channel broke, if it did
}

func newProxyChannel(m *Mux, id uint32) *ProxyChannel {
	return &ProxyChannel{
		mux:   m,
		id:    id,
		reply: make(chan *Frame, 1),
		done:  make(chan struct{}),
	}
}

// ID reports the channel ID carried in requests sent on c.
func (c *ProxyChannel) ID() uint32 { return c.id }

// Local reports whether c dispatches in-process rather than over a connection.
func (c *ProxyChannel) Local() bool { return c.conn == nil }

// Busy reports whether c has a request outstanding.
func (c *ProxyChannel) Busy() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.busy
}

// Close releases c. Subsequent calls fail with ErrClosed.
func (c *ProxyChannel) Close() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.dropChannel(c)
	}
	return nil
}

// SendAndWait stamps msg with handlerID, sends it, and blocks until the reply
// arrives, the connection is lost, or ctx ends.
//
// If ctx ends first, SendAndWait reports the error from ctx, but nothing is
// sent to the callee, which still runs the request. The channel remains busy
// until the late reply arrives and is discarded.
//
// If the callee reports a fault, the error has concrete type *CallError.
func (c *ProxyChannel) SendAndWait(ctx context.Context, msg *Message, handlerID int32) (_ *Message, err error) {
	mm := c.mux.metrics
	mm.callOut.Add(1)
	defer func() {
		if err != nil {
			mm.callOutErr.Add(1)
		}
	}()

	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return nil, ErrClosed
	} else if c.err != nil {
		c.μ.Unlock()
		return nil, c.err
	} else if c.busy {
		c.μ.Unlock()
		return nil, ErrChannelBusy
	}
	c.busy = true
	c.μ.Unlock()

	msg.stamp(handlerID)
	if err := c.send(msg.frame()); err != nil {
		c.μ.Lock()
		c.busy = false
		c.μ.Unlock()
		return nil, err
	}
	mm.callPending.Add(1)
	defer mm.callPending.Add(-1)

	select {
	case f := <-c.reply:
		c.μ.Lock()
		c.busy = false
		c.μ.Unlock()
		return decodeReply(f, handlerID)

	case <-c.done:
		return nil, c.err

	case <-ctx.Done():
		c.μ.Lock()
		defer c.μ.Unlock()
		select {
		case <-c.reply:
			// The reply arrived concurrently; discard it.
			c.busy = false
		default:
			c.abandoned = true
		}
		return nil, ctx.Err()
	}
}

// send delivers f to the peer, or to the local endpoint for a co-located
// channel.
func (c *ProxyChannel) send(f *Frame) error {
	if c.conn != nil {
		if err := c.conn.send(f); err != nil {
			err = connError("send", err)
			c.conn.fail(err)
			return err
		}
		return nil
	}

	// A co-located request follows the same path as one from the wire, but
	// the endpoint runs it in-process and delivers the reply directly.
	m := c.mux
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.metrics.callIn.Add(1)
	m.metrics.callActive.Add(1)
	m.tasks.Go(func() error {
		defer m.metrics.callActive.Add(-1)
		rsp := m.ep.serve(nil, f)
		if rsp == nil {
			return nil
		}
		if rsp.HandlerID() == HandlerFault {
			m.metrics.callInErr.Add(1)
		}
		if !c.deliver(rsp) {
			m.metrics.frameDropped.Add(1)
		}
		return nil
	})
	return nil
}

// deliver hands a reply frame to c, and reports whether c accepted it.
func (c *ProxyChannel) deliver(f *Frame) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.busy {
		return false
	} else if c.abandoned {
		c.abandoned = false
		c.busy = false
		return false
	}
	c.reply <- f // does not block: at most one request is outstanding
	return true
}

// broken marks c as unusable because of err, waking any waiting call.
func (c *ProxyChannel) broken(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.err == nil {
		c.err = err
		c.busy = false
		close(c.done)
	}
}

// decodeReply converts a reply frame into a message or an error.
func decodeReply(f *Frame, handlerID int32) (*Message, error) {
	m := messageFromFrame(f)
	if err := m.scanner().Skip(4); err != nil { // channel ID
		return nil, fmt.Errorf("invalid reply: %w", err)
	}
	if f.HandlerID() == HandlerFault {
		ce := &CallError{HandlerID: handlerID}

		// Try to decode the fault, but if that fails use the decoding error as
		// the message so the caller has a way to debug.
		if err := ce.Fault.decode(m.scanner()); err != nil {
			ce.Message = err.Error()
		}
		return nil, ce
	}
	return m, nil
}

// A SerialChannel wraps a ProxyChannel so that it can be shared by multiple
// goroutines. Each call holds a lock until its reply arrives, so concurrent
// calls take turns rather than failing with ErrChannelBusy.
type SerialChannel struct {
	μ  sync.Mutex
	ch *ProxyChannel
}

// Serial returns a SerialChannel that sends on ch.
func Serial(ch *ProxyChannel) *SerialChannel { return &SerialChannel{ch: ch} }

// SendAndWait calls ch.SendAndWait while holding the lock of s.
func (s *SerialChannel) SendAndWait(ctx context.Context, msg *Message, handlerID int32) (*Message, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.ch.SendAndWait(ctx, msg, handlerID)
}
