// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package link provides implementations of the prmi.Link and prmi.Carrier
// interfaces.
package link

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/prmi"
)

// Direct constructs a connected pair of in-memory links that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa. Closing either link closes both directions, as with a
// socket.
func Direct() (A, B prmi.Link) {
	a2b, b2a := newPipe(), newPipe()
	A = direct{out: a2b, in: b2a}
	B = direct{out: b2a, in: a2b}
	return
}

type pipe struct {
	ch   chan *prmi.Frame
	done chan struct{}
	once sync.Once
}

func newPipe() *pipe { return &pipe{ch: make(chan *prmi.Frame), done: make(chan struct{})} }

func (p *pipe) close() (closed bool) {
	p.once.Do(func() { close(p.done); closed = true })
	return
}

type direct struct {
	out, in *pipe
}

// Send implements a method of the [prmi.Link] interface.
func (d direct) Send(f *prmi.Frame) error {
	select {
	case <-d.out.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out.ch <- f:
		return nil
	case <-d.out.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [prmi.Link] interface.
func (d direct) Recv() (*prmi.Frame, error) {
	select {
	case f := <-d.in.ch:
		return f, nil
	case <-d.in.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [prmi.Link] interface.
func (d direct) Close() error {
	a := d.out.close()
	b := d.in.close()
	if !a && !b {
		return net.ErrClosed
	}
	return nil
}

// IO constructs a link that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOLink {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOLink{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOLink sends and receives frames on a reader and a writer.
type IOLink struct {
	r    *bufio.Reader
	w    *bufio.Writer
	c    io.Closer
	name string
}

// Named returns a copy of c that reports name as its label.
func (c IOLink) Named(name string) IOLink { c.name = name; return c }

// String returns the label of c, if it has one.
func (c IOLink) String() string { return c.name }

// Send implements a method of the [prmi.Link] interface.
func (c IOLink) Send(f *prmi.Frame) error {
	if _, err := f.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [prmi.Link] interface.
func (c IOLink) Recv() (*prmi.Frame, error) {
	var f prmi.Frame
	if _, err := f.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &f, nil
}

// Close implements a method of the [prmi.Link] interface.
func (c IOLink) Close() error { return c.c.Close() }
