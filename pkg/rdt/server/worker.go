package server

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/arqtransfer/rdt/pkg/rdt/config"
	"github.com/arqtransfer/rdt/pkg/rdt/rlog"
	"github.com/arqtransfer/rdt/pkg/rdt/session"
	"github.com/arqtransfer/rdt/pkg/rdt/storage"
	"github.com/arqtransfer/rdt/pkg/rdt/transfer"
)

// runWorker is the body of one spawned session goroutine (spec §4.6): it
// completes the server side of the handshake on its own ephemeral socket,
// then drives the requested operation until the session closes. Exactly
// one runWorker call exists per live client at a time.
func runWorker(ctx context.Context, cfg config.Config, conn session.Conn, clientAddr net.Addr, req session.Request, fs afero.Fs, log rlog.Logger, termCh chan<- string) error {
	key := clientAddr.String()
	defer func() {
		_ = conn.Close()
		select {
		case termCh <- key:
		case <-ctx.Done():
		}
	}()

	var (
		src   storage.FileSource
		grant uint64
	)
	if req.Op == session.OpDownload {
		s, err := storage.OpenSource(fs, cfg.Dir, req.Filename)
		if err != nil {
			sendErr(conn, clientAddr, "file not found")
			return fmt.Errorf("server: open %q for download: %w", req.Filename, err)
		}
		src = s
		defer src.Close()
		grant = uint64(s.Size())
	}

	firstData, err := session.ServerHandshake(ctx, conn, clientAddr, grant, cfg, log)
	if err != nil {
		return err
	}

	role := session.RoleReceiver
	if req.Op == session.OpDownload {
		role = session.RoleSender
	}
	engine := session.NewEngine(req.Protocol, session.PacketSender(conn, clientAddr), cfg, log)
	sess := session.New(cfg, conn, clientAddr, role, req.Op, req.Protocol, log, engine, session.StateEstablished, nil)
	if firstData != nil {
		sess.HandleOne(ctx, *firstData)
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- sess.Serve(ctx) }()

	var opErr error
	switch req.Op {
	case session.OpUpload:
		sink, serr := storage.CreateSink(fs, cfg.Dir, req.Filename)
		if serr != nil {
			sess.AbortLocalIO(ctx, serr)
			opErr = serr
			break
		}
		opErr = transfer.RunReceiver(ctx, sess, sink, log)
	case session.OpDownload:
		opErr = transfer.RunSender(ctx, sess, src, log)
	}

	serveErr := <-serveErrCh
	var merged *multierror.Error
	if opErr != nil {
		merged = multierror.Append(merged, opErr)
	}
	if serveErr != nil {
		merged = multierror.Append(merged, serveErr)
	}
	return merged.ErrorOrNil()
}

func sendErr(conn session.Conn, addr net.Addr, reason string) {
	pkt := wireErrPacket(reason)
	_, _ = conn.WriteTo(pkt, addr)
}
