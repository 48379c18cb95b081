// Package coordinator implements the FloodClone state machine: role
// decision, the source and destination transfer paths, and the fleet-wide
// completion barrier that keeps every node alive until the whole swarm is
// done.
package coordinator

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hileamlakB/floodclone/internal/conn"
	"github.com/hileamlakB/floodclone/internal/fclog"
	"github.com/hileamlakB/floodclone/internal/ferrors"
	"github.com/hileamlakB/floodclone/internal/storage"
	"github.com/hileamlakB/floodclone/internal/topology"
	"github.com/hileamlakB/floodclone/internal/wire"
	"github.com/hileamlakB/floodclone/internal/workerpool"
)

// Config bundles everything the coordinator needs to run one node's role in
// a transfer, gathered from CLI flags and the decoded topology documents.
type Config struct {
	Mode          string // "source" or "destination"
	NodeName      string
	SrcName       string
	FilePath      string
	PiecesDir     string
	TimestampFile string

	Network topology.NetworkInfo
	IPs     topology.IPMap

	DataPort       int
	CompletionPort int
	PieceSize      uint64
	Workers        int
}

// Coordinator drives one node through INIT -> ROLE_DECIDED ->
// (SOURCE_SERVING | DEST_DOWNLOADING -> DEST_SEEDING) -> BARRIER_WAIT -> DONE.
type Coordinator struct {
	cfg     Config
	table   *topology.Table
	pool    *workerpool.Pool
	connMgr *conn.Manager
}

// New builds a Coordinator for cfg.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		table: topology.NewTable(cfg.Network, cfg.IPs),
	}
}

// Run executes the configured role to completion and returns a non-nil
// error for any fatal condition, per the policy table in the error handling
// design: everything but Peer-busy/Peer-empty/Transient-connect surfaces and
// terminates the node.
func (c *Coordinator) Run() error {
	switch c.cfg.Mode {
	case "source":
		return c.runSource()
	case "destination":
		return c.runDestination()
	default:
		return fmt.Errorf("unknown mode %q, want \"source\" or \"destination\"", c.cfg.Mode)
	}
}

func (c *Coordinator) localAddr() (string, bool) {
	ifaces := c.table.IPs[c.cfg.NodeName]
	if len(ifaces) == 0 {
		return "", false
	}
	return ifaces[0].IP, true
}

func (c *Coordinator) runSource() error {
	start := time.Now()

	if c.cfg.NodeName != c.cfg.SrcName {
		return fmt.Errorf("mode=source requires --node-name (%q) to equal --src-name (%q)", c.cfg.NodeName, c.cfg.SrcName)
	}
	localIP, ok := c.localAddr()
	if !ok {
		return fmt.Errorf("no ip_map entry for node %q", c.cfg.NodeName)
	}

	total := len(c.table.AllNodes())
	barrier := NewBarrier(c.cfg.NodeName, c.cfg.CompletionPort)
	if err := barrier.Listen(); err != nil {
		return ferrors.Wrap(err, "starting completion barrier")
	}

	fm, err := storage.NewSource(c.cfg.FilePath, c.cfg.PieceSize, localIP)
	if err != nil {
		barrier.StopListening()
		return ferrors.Wrap(err, "building source storage")
	}
	defer fm.Close()

	c.pool = workerpool.New(c.cfg.Workers)
	c.connMgr = conn.New(c.cfg.NodeName, c.cfg.DataPort, c.pool)
	c.connMgr.AttachStorage(fm)
	if err := c.connMgr.Listen(); err != nil {
		barrier.StopListening()
		return ferrors.Wrap(err, "starting data listener")
	}

	if c.cfg.PiecesDir != "" {
		if err := fm.DumpPieceFiles(c.cfg.PiecesDir); err != nil {
			barrier.StopListening()
			return ferrors.Wrap(err, "dumping piece files")
		}
	}

	end := time.Now()
	if err := writeTimestamps(c.cfg.TimestampFile, start, end); err != nil {
		barrier.StopListening()
		return err
	}

	fclog.Infof(c.cfg.NodeName, "serving %d pieces, waiting for %d destinations", fm.NumPieces(), total-1)
	barrier.WaitFor(total - 1)

	c.connMgr.StopListening()
	barrier.StopListening()
	c.pool.Shutdown()
	fclog.Infof(c.cfg.NodeName, "all destinations reported done, exiting")
	return nil
}

// runDestination starts the completion barrier before anything else, the
// way the source path does, since a neighbor that finishes early may try to
// notify this node long before it has downloaded and reconstructed: the
// notify is a fire-once handshake with no retry (see notifyAll), so a
// completion port that is not yet listening when that handshake arrives
// loses the notification permanently and hangs this node's own barrier
// wait forever. The data listener and the mmap'd reconstruction buffer it
// serves through are likewise kept alive across the whole seeding window --
// Reconstruct, which unmaps the buffer, only runs after StopListening and
// after every other destination has reported done, so a peer still mid
// chain-download from this node never reads through a torn-down mapping.
func (c *Coordinator) runDestination() error {
	start := time.Now()

	total := len(c.table.AllNodes())
	barrier := NewBarrier(c.cfg.NodeName, c.cfg.CompletionPort)
	if err := barrier.Listen(); err != nil {
		return ferrors.Wrap(err, "starting completion barrier")
	}

	neighbors := c.table.Neighbors(c.cfg.NodeName)
	if len(neighbors) == 0 {
		barrier.StopListening()
		return fmt.Errorf("no hop-count-1 neighbor found for node %q", c.cfg.NodeName)
	}

	c.pool = workerpool.New(c.cfg.Workers)
	c.connMgr = conn.New(c.cfg.NodeName, c.cfg.DataPort, c.pool)

	meta, err := c.bootstrapMetadata(neighbors)
	if err != nil {
		barrier.StopListening()
		return ferrors.Wrap(err, "fetching metadata")
	}

	fm, err := storage.NewReceiver(meta, c.cfg.FilePath, c.cfg.PieceSize)
	if err != nil {
		barrier.StopListening()
		return ferrors.Wrap(err, "building receiver storage")
	}
	c.connMgr.AttachStorage(fm)
	if err := c.connMgr.Listen(); err != nil {
		barrier.StopListening()
		return ferrors.Wrap(err, "starting data listener")
	}

	if err := c.downloadAll(neighbors, fm); err != nil {
		barrier.StopListening()
		return err
	}

	c.pool.Wait()
	if fm.AvailablePieces() != fm.NumPieces() {
		barrier.StopListening()
		return ferrors.Wrapf(ferrors.ErrMissingPieceAtEnd, "have %d/%d pieces", fm.AvailablePieces(), fm.NumPieces())
	}

	end := time.Now()
	if err := writeTimestamps(c.cfg.TimestampFile, start, end); err != nil {
		barrier.StopListening()
		return err
	}
	fclog.Infof(c.cfg.NodeName, "download complete in %s, entering seeding window", end.Sub(start))

	c.notifyAll()
	barrier.WaitFor(total - 2)

	c.connMgr.StopListening()
	barrier.StopListening()
	c.pool.Shutdown()

	if err := fm.Reconstruct(); err != nil {
		return ferrors.Wrap(err, "reconstructing file")
	}
	fclog.Infof(c.cfg.NodeName, "seeding window closed, reconstruction complete, exiting")
	return nil
}

// bootstrapMetadata fetches the file descriptor from the fastest of the
// node's hop-count-1 neighbors, dialing them concurrently via errgroup
// rather than waiting on each in turn.
func (c *Coordinator) bootstrapMetadata(neighbors []string) (wire.FileMetaData, error) {
	results := make(chan wire.FileMetaData, len(neighbors))
	var g errgroup.Group
	attempted := 0
	for _, n := range neighbors {
		route, ok := c.table.FirstRoute(c.cfg.NodeName, n)
		if !ok {
			continue
		}
		addr, ok := topology.PeerAddr(route)
		if !ok {
			continue
		}
		attempted++
		g.Go(func() error {
			meta, err := c.connMgr.FetchMetadata(addr, c.cfg.DataPort)
			if err != nil {
				fclog.Debugf(c.cfg.NodeName, "metadata fetch from %s failed: %v", addr, err)
				return nil
			}
			results <- meta
			return nil
		})
	}
	if attempted == 0 {
		return wire.FileMetaData{}, ferrors.Wrap(ferrors.ErrTransientConnect, "no neighbor has a usable route")
	}
	_ = g.Wait()
	close(results)
	meta, ok := <-results
	if !ok {
		return wire.FileMetaData{}, ferrors.Wrap(ferrors.ErrTransientConnect, "no neighbor answered a metadata request")
	}
	return meta, nil
}

// downloadAll runs the neighbor failover loop: try a full-range bulk piece
// request against each neighbor in order, moving on immediately on a
// BUSY/empty response, and sleeping a second to restart the sweep if every
// neighbor declined.
func (c *Coordinator) downloadAll(neighbors []string, fm *storage.FileManager) error {
	full := wire.FullRange(fm.NumPieces())
	for {
		for _, n := range neighbors {
			route, ok := c.table.FirstRoute(c.cfg.NodeName, n)
			if !ok {
				continue
			}
			addr, ok := topology.PeerAddr(route)
			if !ok {
				continue
			}
			err := c.connMgr.RequestPieces(addr, c.cfg.DataPort, full, fm)
			if err == nil {
				return nil
			}
			if ferrors.Is(err, ferrors.ErrPeerBusy) || ferrors.Is(err, ferrors.ErrPeerEmpty) {
				fclog.Debugf(c.cfg.NodeName, "neighbor %s declined (%v), trying next", n, err)
				continue
			}
			return ferrors.Wrapf(err, "requesting pieces from %s", n)
		}
		fclog.Debugf(c.cfg.NodeName, "all neighbors declined, retrying in 1s")
		time.Sleep(time.Second)
	}
}

func (c *Coordinator) notifyAll() {
	for _, node := range c.table.AllNodes() {
		if node == c.cfg.NodeName {
			continue
		}
		ips := c.table.IPs[node]
		if len(ips) == 0 {
			fclog.Errorf(c.cfg.NodeName, "no ip_map entry for node %q, cannot notify", node)
			continue
		}
		if err := Notify(ips[0].IP, c.cfg.CompletionPort); err != nil {
			fclog.Errorf(c.cfg.NodeName, "completion notify to %s failed: %v", node, err)
		}
	}
}
