// Package conn implements FloodClone's connection engine: a
// readiness-driven listener that multiplexes accepted sockets onto the
// worker pool, an outbound dialer with retry and connection reuse, and the
// per-interface exclusivity that lets a multi-homed node serve only one
// outbound transfer per NIC at a time.
//
// A raw epoll readiness poller plus a one-shot re-arm per socket is one way
// to drive the accept loop. Go's net package already multiplexes sockets
// through the runtime's own netpoller, so this keeps the *behavioral*
// contract -- exactly one worker handling a given connection at a time,
// dispatch through the bounded pool, a
// lock-free stop signal -- without re-deriving epoll by hand: each
// accepted connection gets one lightweight goroutine that submits one
// request at a time to the shared worker pool and waits for it to finish
// before accepting the connection's next request, and listener.Close() is
// the stop signal (the idiomatic equivalent of writing to a wake
// descriptor: it unblocks the pending Accept with a checkable error).
package conn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hileamlakB/floodclone/internal/fclog"
	"github.com/hileamlakB/floodclone/internal/storage"
	"github.com/hileamlakB/floodclone/internal/workerpool"
)

const (
	defaultDialAttempts = 5
	defaultDialBackoff  = time.Second
	defaultDialTimeout  = 5 * time.Second
)

// connState is one owned connection: a socket plus the mutex serializing
// sends and receives on it, the shape the redesign notes suggest in place
// of a bare fd-keyed mutex map.
type connState struct {
	conn   net.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

type ifaceState struct {
	name string
	busy atomic.Bool
}

// Manager is the ConnectionManager: it owns the data-port listener, the
// per-interface busy table, the outbound connection cache, and the worker
// pool that executes request handlers.
type Manager struct {
	nodeName string
	dataPort int
	pool     *workerpool.Pool

	dialAttempts int
	dialBackoff  time.Duration

	storageMu sync.RWMutex
	storage   *storage.FileManager

	limiter *rate.Limiter // nil means unlimited

	listener net.Listener
	acceptWG sync.WaitGroup

	ifaceMu   sync.RWMutex
	ifaces    map[string]*ifaceState
	connIface map[*connState]string

	cacheMu sync.Mutex
	cache   map[string]*connState
}

// New builds a connection engine bound to dataPort, dispatching request
// handlers onto pool. Storage may be attached later via AttachStorage,
// since a destination cannot serve metadata or pieces before its own
// metadata fetch has completed.
func New(nodeName string, dataPort int, pool *workerpool.Pool) *Manager {
	return &Manager{
		nodeName:     nodeName,
		dataPort:     dataPort,
		pool:         pool,
		dialAttempts: defaultDialAttempts,
		dialBackoff:  defaultDialBackoff,
		ifaces:       make(map[string]*ifaceState),
		connIface:    make(map[*connState]string),
		cache:        make(map[string]*connState),
	}
}

// AttachStorage wires the storage engine the server handlers read and
// write through. Safe to call concurrently with serving goroutines.
func (m *Manager) AttachStorage(fm *storage.FileManager) {
	m.storageMu.Lock()
	m.storage = fm
	m.storageMu.Unlock()
}

func (m *Manager) getStorage() *storage.FileManager {
	m.storageMu.RLock()
	defer m.storageMu.RUnlock()
	return m.storage
}

// SetRateLimiter caps outbound piece-serving throughput to l, a token
// bucket sized in bytes per second. Passing nil (the default) leaves
// serving unlimited; this hook exists for benchmarking harnesses, not
// production policy.
func (m *Manager) SetRateLimiter(l *rate.Limiter) {
	m.limiter = l
}

// Listen binds the wildcard address at the configured data port and starts
// the accept loop. Must be called at most once per Manager.
func (m *Manager) Listen() error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", m.dataPort))
	if err != nil {
		return err
	}
	m.listener = ln
	m.acceptWG.Add(1)
	go m.acceptLoop()
	fclog.Debugf(m.nodeName, "listening for data connections on %s", ln.Addr())
	return nil
}

// StopListening closes the listener, which unblocks the pending Accept
// call, and waits for the accept loop goroutine to exit. It then sets an
// immediate read deadline on every accepted connection, so a handler
// waiting for a connection's next request header returns and frees its
// worker. Writes are not interrupted: once a header is sent the full
// payload still goes out, per the no mid-piece cancellation rule.
func (m *Manager) StopListening() {
	if m.listener == nil {
		return
	}
	_ = m.listener.Close()
	m.acceptWG.Wait()

	m.ifaceMu.RLock()
	for cs := range m.connIface {
		_ = cs.conn.SetReadDeadline(time.Now())
	}
	m.ifaceMu.RUnlock()
}

func (m *Manager) acceptLoop() {
	defer m.acceptWG.Done()
	for {
		c, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			fclog.Errorf(m.nodeName, "accept failed: %v", err)
			continue
		}
		iface := localInterfaceName(c)
		cs := &connState{conn: c}
		m.registerIface(iface, cs)
		go m.serveConn(cs, iface)
	}
}

func localInterfaceName(c net.Conn) string {
	if tcp, ok := c.LocalAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return c.LocalAddr().String()
}

func (m *Manager) registerIface(name string, cs *connState) {
	m.ifaceMu.Lock()
	defer m.ifaceMu.Unlock()
	if _, ok := m.ifaces[name]; !ok {
		m.ifaces[name] = &ifaceState{name: name}
	}
	m.connIface[cs] = name
}

// serveConn drives one accepted connection's request/response cycle: each
// inbound request is dispatched as a single task to the worker pool, and
// the connection only accepts its next request once that task has
// finished -- the Go-idiomatic equivalent of one-shot readiness plus a
// per-fd mutex.
func (m *Manager) serveConn(cs *connState, iface string) {
	defer func() {
		cs.conn.Close()
		m.ifaceMu.Lock()
		delete(m.connIface, cs)
		m.ifaceMu.Unlock()
	}()
	for {
		done := make(chan struct{})
		m.pool.Submit(func() {
			defer close(done)
			if err := m.handleOneMessage(cs, iface); err != nil {
				fclog.Debugf(m.nodeName, "connection from %s ended: %v", cs.conn.RemoteAddr(), err)
				cs.closed.Store(true)
			}
		})
		<-done
		if cs.closed.Load() {
			return
		}
	}
}

func (m *Manager) acquireInterface(iface string) (release func(), acquired bool) {
	m.ifaceMu.RLock()
	st := m.ifaces[iface]
	m.ifaceMu.RUnlock()
	if st == nil {
		return func() {}, true
	}
	if !st.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { st.busy.Store(false) }, true
}
