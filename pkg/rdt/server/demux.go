// Package server implements the listener/worker-pool demultiplexer of
// spec §4.6: one well-known socket accepts SYNs and hands each new client
// off to a worker bound to a fresh ephemeral port, following the
// supervised-goroutine-group shape of the teacher's
// pkg/client/userd/service.go `run()`.
package server

import (
	"context"
	"net"
	"path/filepath"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/spf13/afero"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rdterr"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/session"
	"github.com/arqtransfer/rdt/pkg/rdt/storage"
	"github.com/arqtransfer/rdt/pkg/rdt/wire"
)

const pollInterval = 200 * time.Millisecond

// Demultiplexer owns the listening socket and the address→worker table
// named in spec §3/§4.6. The table is mutated only by the listener
// goroutine; workers signal termination through termCh rather than
// touching it directly (spec §5, "back-references").
type Demultiplexer struct {
	cfg      config.Config
	fs       afero.Fs
	log      rlog.Logger
	listener *net.UDPConn
	workers  map[string]struct{}
	termCh   chan string
}

// New binds the listener socket. fs is the storage directory's filesystem
// (afero.NewOsFs() in production, afero.NewMemMapFs() in tests).
func New(cfg config.Config, fs afero.Fs, log rlog.Logger) (*Demultiplexer, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Addr), Port: cfg.Port}
	ln, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, rdterr.LocalIO{Err: err}
	}
	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		_ = ln.Close()
		return nil, rdterr.LocalIO{Err: err}
	}
	return &Demultiplexer{
		cfg:      cfg,
		fs:       fs,
		log:      log,
		listener: ln,
		workers:  make(map[string]struct{}),
		termCh:   make(chan string, cfg.Workers),
	}, nil
}

// Addr reports the bound listener address, mainly useful in tests that
// bind to port 0.
func (d *Demultiplexer) Addr() net.Addr { return d.listener.LocalAddr() }

// Run supervises the listener goroutine inside a dgroup.Group, the same
// soft/hard shutdown pattern the teacher's service.go uses for its own
// long-lived goroutines: SIGINT/SIGTERM (signal handling is enabled here)
// or cancellation of ctx cancels the soft context first, then a hard
// deadline aborts stragglers. A worker whose context is canceled closes
// its session without a FIN exchange. A worker that ends, successfully or
// not, does not stop the listener or the other workers.
func (d *Demultiplexer) Run(ctx context.Context) error {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   false,
	})
	g.Go("listener", func(c context.Context) error {
		defer func() { _ = d.listener.Close() }()
		return d.runListener(c, g)
	})
	return g.Wait()
}

func (d *Demultiplexer) runListener(ctx context.Context, g *dgroup.Group) error {
	buf := make([]byte, config.MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		case key := <-d.termCh:
			delete(d.workers, key)
			continue
		default:
		}

		if err := d.listener.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return rdterr.LocalIO{Err: err}
		}
		n, addr, err := d.listener.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return rdterr.LocalIO{Err: err}
		}

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			d.log.Tracef(ctx, "listener: dropped malformed datagram from %s: %v", addr, err)
			continue
		}
		d.handleSyn(ctx, g, pkt, addr)
	}
}

func (d *Demultiplexer) handleSyn(ctx context.Context, g *dgroup.Group, pkt wire.Packet, addr net.Addr) {
	if !pkt.HasFlag(wire.FlagSYN) {
		d.log.Warnf(ctx, "listener: unexpected flags %#x from %s outside a handshake", pkt.Header.Flags, addr)
		return
	}

	key := addr.String()
	if _, live := d.workers[key]; live {
		// The client hasn't seen our SYN|ACK yet and is retransmitting SYN;
		// the worker's own ServerHandshake loop is already retransmitting
		// SYN|ACK on its timer, so there is nothing more to do here.
		d.log.Tracef(ctx, "listener: duplicate SYN from live session %s ignored", key)
		return
	}
	if len(d.workers) >= d.cfg.Workers {
		d.log.Infof(ctx, "listener: worker pool saturated (%d/%d), rejecting %s", len(d.workers), d.cfg.Workers, key)
		_, _ = d.listener.WriteTo(wireErrPacket("server busy"), addr)
		return
	}

	req, err := session.DecodeRequest(pkt.Payload)
	if err != nil {
		d.log.Warnf(ctx, "listener: malformed SYN payload from %s: %v", addr, err)
		_, _ = d.listener.WriteTo(wireErrPacket("malformed request"), addr)
		return
	}
	if err := storage.ValidateFilename(req.Filename); err != nil {
		_, _ = d.listener.WriteTo(wireErrPacket(err.Error()), addr)
		return
	}
	if req.Op == session.OpDownload {
		if _, err := d.fs.Stat(filepath.Join(d.cfg.Dir, req.Filename)); err != nil {
			_, _ = d.listener.WriteTo(wireErrPacket("file not found"), addr)
			return
		}
	}

	workerConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(d.cfg.Addr)})
	if err != nil {
		d.log.Warnf(ctx, "listener: failed to allocate session socket for %s: %v", key, err)
		_, _ = d.listener.WriteTo(wireErrPacket("server busy"), addr)
		return
	}

	d.workers[key] = struct{}{}
	d.log.Infof(ctx, "listener: accepted %s %q from %s (%s)", req.Op, req.Filename, key, req.Protocol)
	g.Go("session-"+key, func(c context.Context) error {
		// A failed transfer ends only its own session: returning the error
		// would make dgroup shut down the listener and every other worker.
		if err := runWorker(c, d.cfg, workerConn, addr, req, d.fs, d.log, d.termCh); err != nil {
			d.log.Warnf(c, "listener: session %s ended with error: %v", key, err)
		}
		return nil
	})
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}
