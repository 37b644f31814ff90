// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package link

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/creachadair/prmi"
	"github.com/creachadair/taskgroup"
)

// TCP returns a carrier that exchanges frames over TCP connections.
func TCP() prmi.Carrier { return tcpCarrier{} }

type tcpCarrier struct{}

// Listen implements a method of the [prmi.Carrier] interface.
func (tcpCarrier) Listen(ctx context.Context, host string) (prmi.Listener, error) {
	var lc net.ListenConfig
	lst, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	return NetListener(lst), nil
}

// Dial implements a method of the [prmi.Carrier] interface.
func (tcpCarrier) Dial(ctx context.Context, host string, port int) (prmi.Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return IO(conn, conn).Named(conn.RemoteAddr().String()), nil
}

// NetListener adapts a net.Listener to the prmi.Listener interface.
func NetListener(lst net.Listener) prmi.Listener {
	return netListener{Listener: lst}
}

type netListener struct {
	net.Listener
}

// Accept implements a method of the [prmi.Listener] interface.
func (n netListener) Accept(ctx context.Context) (prmi.Link, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return IO(conn, conn).Named(conn.RemoteAddr().String()), nil
}

// Port implements a method of the [prmi.Listener] interface.
func (n netListener) Port() int {
	if a, ok := n.Listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Memory is a carrier whose listeners live in the memory of one process.
// Dialing a listener yields one end of a Direct pair, and the listener
// accepts the other. The zero value is ready for use.
type Memory struct {
	μ    sync.Mutex
	port int
	lst  map[string]*memListener // host:port → listener
}

// NewMemory constructs an empty in-memory carrier.
func NewMemory() *Memory { return new(Memory) }

// Listen implements a method of the [prmi.Carrier] interface.
func (m *Memory) Listen(_ context.Context, host string) (prmi.Listener, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.lst == nil {
		m.lst = make(map[string]*memListener)
	}
	m.port++
	l := &memListener{
		mem:   m,
		key:   net.JoinHostPort(host, strconv.Itoa(m.port)),
		port:  m.port,
		links: make(chan prmi.Link),
		done:  make(chan struct{}),
	}
	m.lst[l.key] = l
	return l, nil
}

// Dial implements a method of the [prmi.Carrier] interface.
func (m *Memory) Dial(ctx context.Context, host string, port int) (prmi.Link, error) {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	m.μ.Lock()
	l, ok := m.lst[key]
	m.μ.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", key)
	}
	a, b := Direct()
	select {
	case l.links <- b:
		return a, nil
	case <-l.done:
		return nil, fmt.Errorf("dial %s: %w", key, net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memListener struct {
	mem   *Memory
	key   string
	port  int
	links chan prmi.Link
	done  chan struct{}
	once  sync.Once
}

// Accept implements a method of the [prmi.Listener] interface.
func (l *memListener) Accept(ctx context.Context) (prmi.Link, error) {
	select {
	case c := <-l.links:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Port implements a method of the [prmi.Listener] interface.
func (l *memListener) Port() int { return l.port }

// Close implements a method of the [prmi.Listener] interface.
func (l *memListener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		close(l.done)
		l.mem.μ.Lock()
		delete(l.mem.lst, l.key)
		l.mem.μ.Unlock()
		err = nil
	})
	return err
}
