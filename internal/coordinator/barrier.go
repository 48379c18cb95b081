package coordinator

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hileamlakB/floodclone/internal/fclog"
)

// Barrier is the fleet-wide completion side channel: a listening socket on
// a dedicated port that counts inbound TCP handshakes (no payload exchanged)
// and releases callers waiting for a target count.
type Barrier struct {
	nodeName string
	port     int

	listener net.Listener
	acceptWG sync.WaitGroup

	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewBarrier builds a barrier bound to port, not yet listening.
func NewBarrier(nodeName string, port int) *Barrier {
	b := &Barrier{nodeName: nodeName, port: port}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Listen starts accepting completion handshakes in the background.
func (b *Barrier) Listen() error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", b.port))
	if err != nil {
		return err
	}
	b.listener = ln
	b.acceptWG.Add(1)
	go b.acceptLoop()
	fclog.Debugf(b.nodeName, "completion barrier listening on %s", ln.Addr())
	return nil
}

func (b *Barrier) acceptLoop() {
	defer b.acceptWG.Done()
	for {
		c, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			fclog.Errorf(b.nodeName, "barrier accept failed: %v", err)
			continue
		}
		c.Close()
		b.mu.Lock()
		b.count++
		n := b.count
		b.mu.Unlock()
		b.cond.Broadcast()
		fclog.Debugf(b.nodeName, "completion notification %d received", n)
	}
}

// WaitFor blocks until at least target completion handshakes have been
// counted.
func (b *Barrier) WaitFor(target int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.count < target {
		b.cond.Wait()
	}
}

// StopListening closes the listener and waits for the accept loop to exit.
func (b *Barrier) StopListening() {
	if b.listener == nil {
		return
	}
	_ = b.listener.Close()
	b.acceptWG.Wait()
}

// Notify performs the handshake-only completion signal to addr:port. The
// connection is closed immediately after it succeeds; no payload is ever
// written.
func Notify(addr string, port int) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, port), 5*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
