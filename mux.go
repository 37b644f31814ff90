// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// A Link is a reliable ordered stream of frames shared by two multiplexers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Link interface {
	// Send the frame to the receiver.
	Send(*Frame) error

	// Receive the next available frame from the link.
	Recv() (*Frame, error)

	// Close the link, causing any pending send or receive operations to
	// terminate and report an error. After a link is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Listener accepts inbound links.
type Listener interface {
	// Accept blocks until a link arrives or ctx ends. After the listener is
	// closed, Accept must report an error.
	Accept(ctx context.Context) (Link, error)

	// Port reports the port the listener is bound to.
	Port() int

	// Close stops the listener.
	Close() error
}

// A Carrier opens listeners and dials links. The link package provides
// implementations.
type Carrier interface {
	// Listen opens a listener on an ephemeral port of host.
	Listen(ctx context.Context, host string) (Listener, error)

	// Dial opens a link to the listener at host and port.
	Dial(ctx context.Context, host string, port int) (Link, error)
}

// DefaultProtocol is the address protocol used when MuxOptions does not
// specify one.
const DefaultProtocol = "prmi"

// MuxOptions are settings for a Mux. A nil *MuxOptions is ready for use and
// provides default values as described.
type MuxOptions struct {
	// The protocol name reported in addresses of exported objects.
	// If empty, DefaultProtocol is used.
	Protocol string

	// The logger used for connection and dispatch events. If nil, the package
	// logger is used.
	Logger *zerolog.Logger

	// If true, references acquired by a peer with AddRef are released when
	// the connection to that peer is lost. This may destroy objects.
	ReclaimOrphans bool
}

func (o *MuxOptions) protocol() string {
	if o == nil || o.Protocol == "" {
		return DefaultProtocol
	}
	return o.Protocol
}

func (o *MuxOptions) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return pkgLogger
	}
	return *o.Logger
}

func (o *MuxOptions) reclaimOrphans() bool { return o != nil && o.ReclaimOrphans }

var pkgLogger = log.With().Str("pkg", "prmi").Logger()

// A Mux is a transport multiplexer. It owns the connections of a process to
// its peers, and carries frames between the proxy channels of local
// references and the endpoints of remote objects.
//
// A Mux keeps at most one connection per remote host and port, opened lazily
// on first use and shared by all the references to objects at that address.
// Each connection has its own receive goroutine. Frames on one connection are
// delivered in the order they were sent.
//
// Call Open to accept connections for the objects exported by the Mux's
// Endpoint. Call Close to shut down all connections.
type Mux struct {
	carrier Carrier
	reg     *Registry
	proto   string
	reclaim bool
	log     zerolog.Logger
	ep      *Endpoint
	types   *TypeCache
	metrics *muxMetrics
	tasks   *taskgroup.Group
	ctx     context.Context
	stop    context.CancelFunc
	nextID  atomic.Uint32 // channel IDs
	nextIn  atomic.Int64  // inbound connection labels

	μ      sync.Mutex
	closed bool
	lst    Listener
	addr   Address
	dialed map[string]*Conn   // host:port → conn
	conns  map[*Conn]struct{} // all live conns
	flog   FrameLogger
	base   func() context.Context
	onDisc func(peer string, err error)
}

// NewMux constructs a multiplexer that uses carrier to reach its peers and
// dispatches inbound calls using the types defined by reg.
func NewMux(carrier Carrier, reg *Registry, opts *MuxOptions) *Mux {
	ctx, stop := context.WithCancel(context.Background())
	m := &Mux{
		carrier: carrier,
		reg:     reg,
		proto:   opts.protocol(),
		reclaim: opts.reclaimOrphans(),
		log:     opts.logger(),
		types:   new(TypeCache),
		metrics: newMuxMetrics(),
		tasks:   taskgroup.New(nil),
		ctx:     ctx,
		stop:    stop,
		dialed:  make(map[string]*Conn),
		conns:   make(map[*Conn]struct{}),
		base:    context.Background,
	}
	m.ep = newEndpoint(m)
	return m
}

// Endpoint returns the endpoint holding the objects exported by m.
func (m *Mux) Endpoint() *Endpoint { return m.ep }

// Registry returns the type registry of m.
func (m *Mux) Registry() *Registry { return m.reg }

// Types returns the cache of remote type descriptors fetched by m.
func (m *Mux) Types() *TypeCache { return m.types }

// Metrics returns a metrics map for the multiplexer. It is safe for the
// caller to add additional metrics to the map while the multiplexer is active.
func (m *Mux) Metrics() *expvar.Map { return m.metrics.emap }

// Collector returns a Prometheus collector for the metrics of m. The labels,
// if any, are attached to every metric.
func (m *Mux) Collector(labels prometheus.Labels) prometheus.Collector {
	return newCollector(m.metrics, labels)
}

// Addr reports the address at which m accepts connections, and whether m has
// been opened.
func (m *Mux) Addr() (Address, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.addr, m.lst != nil
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with a peer, including frames to be discarded. Passing nil
// disables frame logging. It returns m to permit chaining.
func (m *Mux) LogFrames(log FrameLogger) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.flog = log
	return m
}

// NewContext registers a function that will be called to create a new base
// context for method handlers. This allows request-specific host resources to
// be plumbed into a handler. If it is not set a background context is used.
func (m *Mux) NewContext(base func() context.Context) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if base == nil {
		m.base = context.Background
	} else {
		m.base = base
	}
	return m
}

// OnDisconnect registers a callback to be invoked when a connection ends. The
// callback receives the peer label and the error that ended the connection,
// which is nil for a clean close. Only one callback can be registered at a
// time; if f == nil the callback is removed.
func (m *Mux) OnDisconnect(f func(peer string, err error)) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onDisc = f
	return m
}

func (m *Mux) logFrame(f *Frame, peer string, sent bool) {
	m.μ.Lock()
	flog := m.flog
	m.μ.Unlock()
	if flog != nil {
		flog(FrameInfo{Frame: f, Peer: peer, Sent: sent})
	}
}

// handlerContext returns a new context for an inbound call. It ends when the
// multiplexer closes.
func (m *Mux) handlerContext() (context.Context, context.CancelFunc) {
	m.μ.Lock()
	base := m.base
	m.μ.Unlock()
	ctx, cancel := context.WithCancel(context.WithValue(base(), muxContextKey{}, m))
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() { stop(); cancel() }
}

// Open starts accepting connections on an ephemeral port of host, and returns
// the base address of the objects exported by m. The spec of the address is
// empty. Open may be called at most once.
func (m *Mux) Open(ctx context.Context, host string) (Address, error) {
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return Address{}, ErrClosed
	} else if m.lst != nil {
		m.μ.Unlock()
		return Address{}, errors.New("multiplexer is already open")
	}
	m.μ.Unlock()

	lst, err := m.carrier.Listen(ctx, host)
	if err != nil {
		return Address{}, connError("listen", err)
	}
	addr := Address{Protocol: m.proto, Host: host, Port: lst.Port()}

	m.μ.Lock()
	if m.closed || m.lst != nil {
		m.μ.Unlock()
		lst.Close()
		return Address{}, ErrClosed
	}
	m.lst, m.addr = lst, addr
	m.μ.Unlock()

	m.tasks.Go(func() error {
		for {
			link, err := lst.Accept(m.ctx)
			if err != nil {
				if m.ctx.Err() == nil && !treatErrorAsSuccess(err) {
					m.log.Error().Err(err).Str("addr", addr.String()).Msg("accept failed")
				}
				return nil
			}
			peer := fmt.Sprintf("%s#%d", linkLabel(link, "inbound"), m.nextIn.Add(1))

			m.μ.Lock()
			if m.closed {
				m.μ.Unlock()
				link.Close()
				return nil
			}
			m.startLocked(link, peer, "")
			m.μ.Unlock()
			m.log.Debug().Str("peer", peer).Msg("accepted connection")
		}
	})
	m.log.Info().Str("addr", addr.String()).Msg("listening")
	return addr, nil
}

func linkLabel(link Link, fallback string) string {
	if s, ok := link.(fmt.Stringer); ok && s.String() != "" {
		return s.String()
	}
	return fallback
}

// Connect returns the connection to the host and port of addr, dialing a new
// one if none is open. Failures to dial wrap ErrConnection.
func (m *Mux) Connect(ctx context.Context, addr Address) (*Conn, error) {
	key := addr.HostPort()
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return nil, ErrClosed
	} else if c, ok := m.dialed[key]; ok {
		m.μ.Unlock()
		return c, nil
	}
	m.μ.Unlock()

	// Dial without holding the lock. If another goroutine wins the race to
	// connect to the same address, discard ours and use theirs.
	link, err := m.carrier.Dial(ctx, addr.Host, addr.Port)
	if err != nil {
		return nil, connError("dial "+key, err)
	}

	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		link.Close()
		return nil, ErrClosed
	} else if c, ok := m.dialed[key]; ok {
		link.Close()
		return c, nil
	}
	c := m.startLocked(link, key, key)
	m.dialed[key] = c
	m.log.Debug().Str("peer", key).Msg("connected")
	return c, nil
}

// startLocked registers a new connection on link and starts its receive
// goroutine. The caller must hold m.μ.
func (m *Mux) startLocked(link Link, peer, key string) *Conn {
	c := &Conn{
		mux:   m,
		peer:  peer,
		key:   key,
		link:  link,
		chans: make(map[uint32]*ProxyChannel),
	}
	m.conns[c] = struct{}{}
	m.metrics.connsOpen.Add(1)

	m.tasks.Go(func() error {
		for {
			f, err := link.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			m.metrics.frameRecv.Add(1)
			m.logFrame(f, peer, false)
			if err := m.dispatch(c, f); err != nil {
				c.fail(err)
				return nil
			}
		}
	})
	return c
}

// dispatch routes an inbound frame received on c. Any error it reports is
// fatal to the connection.
func (m *Mux) dispatch(c *Conn, f *Frame) error {
	if f.IsReply() {
		id, err := f.channelID()
		if err != nil {
			return fmt.Errorf("invalid reply: %w", err)
		}
		c.μ.Lock()
		ch := c.chans[id]
		c.μ.Unlock()
		if ch == nil || !ch.deliver(f) {
			m.metrics.frameDropped.Add(1)
			m.log.Debug().Str("peer", c.peer).Uint32("channel", id).Msg("dropped unsolicited reply")
		}
		return nil
	}

	m.metrics.callIn.Add(1)
	m.metrics.callActive.Add(1)
	m.tasks.Go(func() error {
		defer m.metrics.callActive.Add(-1)
		rsp := m.ep.serve(c, f)
		if rsp == nil {
			m.metrics.frameDropped.Add(1)
			return nil
		}
		if rsp.HandlerID() == HandlerFault {
			m.metrics.callInErr.Add(1)
		}
		if err := c.send(rsp); err != nil {
			c.fail(err)
		}
		return nil
	})
	return nil
}

// Reference returns a new reference to the object at addr, with its own
// proxy channel. If addr names the address at which m is open, the reference
// is co-located and its calls are dispatched in-process.
func (m *Mux) Reference(ctx context.Context, addr Address) (*Reference, error) {
	m.μ.Lock()
	closed, local := m.closed, m.lst != nil && addr.Host == m.addr.Host && addr.Port == m.addr.Port
	m.μ.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if local {
		ch := newProxyChannel(m, m.nextID.Add(1))
		return &Reference{Addr: addr, Local: m.ep.Lookup(addr.Spec), ch: ch}, nil
	}
	c, err := m.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	ch, err := c.newChannel()
	if err != nil {
		return nil, err
	}
	return &Reference{Addr: addr, ch: ch}, nil
}

// Close closes the listener and all connections of m, and blocks until all
// its goroutines have exited. Calls waiting for replies fail with an error
// wrapping ErrConnection.
func (m *Mux) Close() error {
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return nil
	}
	m.closed = true
	lst := m.lst
	conns := slices.Collect(maps.Keys(m.conns))
	m.μ.Unlock()

	m.stop()
	var err error
	if lst != nil {
		if cerr := lst.Close(); cerr != nil && !treatErrorAsSuccess(cerr) {
			err = cerr
		}
	}
	for _, c := range conns {
		c.link.Close()
	}
	m.tasks.Wait()
	return err
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// A Conn is a connection between two multiplexers.
type Conn struct {
	mux  *Mux
	peer string // label for logs
	key  string // host:port for dialed connections, else ""
	link Link
	once sync.Once

	out sync.Mutex // held while sending

	μ      sync.Mutex
	closed bool
	err    error
	chans  map[uint32]*ProxyChannel
}

// Peer reports the label of the remote end of c.
func (c *Conn) Peer() string { return c.peer }

// send writes one frame to the link of c.
func (c *Conn) send(f *Frame) error {
	c.out.Lock()
	defer c.out.Unlock()
	c.mux.metrics.frameSent.Add(1)
	c.mux.logFrame(f, c.peer, true)
	return c.link.Send(f)
}

// newChannel creates a proxy channel bound to c.
func (c *Conn) newChannel() (*ProxyChannel, error) {
	ch := newProxyChannel(c.mux, c.mux.nextID.Add(1))
	ch.conn = c

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil, connError("connection to "+c.peer, c.err)
	}
	c.chans[ch.id] = ch
	return ch, nil
}

// dropChannel removes ch from the routing table of c.
func (c *Conn) dropChannel(ch *ProxyChannel) {
	c.μ.Lock()
	defer c.μ.Unlock()
	delete(c.chans, ch.id)
}

// fail closes c, fails the calls waiting on it, and removes it from the
// tables of its multiplexer. Only the first call has any effect.
func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.link.Close()
		m := c.mux

		m.μ.Lock()
		delete(m.conns, c)
		if c.key != "" && m.dialed[c.key] == c {
			delete(m.dialed, c.key)
		}
		onDisc := m.onDisc
		m.μ.Unlock()

		c.μ.Lock()
		c.closed, c.err = true, err
		chans := c.chans
		c.chans = nil
		c.μ.Unlock()

		cerr := connError("connection to "+c.peer+" lost", err)
		for _, ch := range chans {
			ch.broken(cerr)
		}
		m.metrics.connsOpen.Add(-1)
		m.ep.disconnected(c)

		if treatErrorAsSuccess(err) {
			err = nil
			m.log.Debug().Str("peer", c.peer).Msg("connection closed")
		} else {
			m.log.Warn().Err(err).Str("peer", c.peer).Msg("connection failed")
		}
		if onDisc != nil {
			onDisc(c.peer, err)
		}
	})
}

type muxContextKey struct{}

// ContextMux returns the Mux associated with the given context, or nil if
// none is defined. The context passed to a method Handler has this value.
func ContextMux(ctx context.Context) *Mux {
	if v := ctx.Value(muxContextKey{}); v != nil {
		return v.(*Mux)
	}
	return nil
}
