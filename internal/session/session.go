// Package session implements the per-connection NBD state machine
// described in spec.md §4.5: handshake, option negotiation, and command
// dispatch, bound to a freshly constructed storage handle per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nbdstore/nbdstore/internal/block"
	"github.com/nbdstore/nbdstore/internal/lease"
	"github.com/nbdstore/nbdstore/internal/logger"
	"github.com/nbdstore/nbdstore/internal/wire"
)

// maxConsecutiveStorageFailures closes the session after this many
// consecutive StorageUnavailable replies, per spec.md §7.
const maxConsecutiveStorageFailures = 3

// leaseReleaseTimeout bounds the best-effort lease release on teardown,
// per spec.md §5's cancellation rules.
const leaseReleaseTimeout = 2 * time.Second

// Store is the object storage dependency a session's block engine needs.
type Store = block.Store

// LeaseStore is the object storage dependency the lease manager needs.
type LeaseStore = lease.Store

// ExportResolver resolves a client-supplied export name to its
// configured size. Unknown exports are created implicitly at the
// configured default size, per spec.md §3 ("Exports are created on first
// reference").
type ExportResolver interface {
	ExportSize(name string) uint64
}

// Config bundles the dependencies one Session needs, shared across all
// sessions on the listener.
type Config struct {
	Store            Store
	Leases           *lease.Manager
	Exports          ExportResolver
	FlushParallelism int
}

// Session drives one client connection through the NBD state machine.
type Session struct {
	cfg  Config
	conn net.Conn

	exportName string
	engine     *block.Engine
	leaseH     *lease.Handle

	consecutiveFailures int
}

// New constructs a Session for a freshly accepted connection. No I/O is
// performed until Run is called.
func New(cfg Config, conn net.Conn) *Session {
	return &Session{cfg: cfg, conn: conn}
}

// Run drives the session to completion: handshake, option negotiation,
// transmission loop, and teardown. It returns only once the connection is
// closed or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	// Closing the connection on cancellation unblocks any pending read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stop:
		}
	}()

	logger.Debug("session: new connection from %s", s.conn.RemoteAddr())

	if err := wire.WriteHandshakePreface(s.conn); err != nil {
		logger.Debug("session: write handshake preface: %v", err)
		return
	}

	clientFlags, err := wire.ReadClientFlags(s.conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("session: read client flags: %v", err)
		}
		return
	}
	if clientFlags&wire.ClientFlagFixedNewstyle == 0 {
		logger.Debug("session: client did not set FIXED_NEWSTYLE, closing")
		return
	}

	if !s.negotiateOptions(ctx) {
		return
	}

	s.transmissionLoop(ctx)
}

// negotiateOptions runs the Option state until NBD_OPT_GO succeeds (moves
// to Transmission) or the connection must close.
func (s *Session) negotiateOptions(ctx context.Context) bool {
	for {
		hdr, err := wire.ReadOptionHeader(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("session: read option header: %v", err)
			}
			return false
		}

		switch hdr.Option {
		case wire.OptGo:
			return s.handleGo(ctx, hdr)
		case wire.OptAbort:
			_ = wire.WriteAck(s.conn, hdr.Option)
			logger.Debug("session: client sent NBD_OPT_ABORT")
			return false
		default:
			if err := wire.DiscardOption(s.conn, hdr.Length); err != nil {
				return false
			}
			if err := wire.WriteErrorReply(s.conn, hdr.Option, wire.RepErrUnsup); err != nil {
				return false
			}
		}
	}
}

func (s *Session) handleGo(ctx context.Context, hdr wire.OptionHeader) bool {
	req, err := wire.ReadGoOption(s.conn, hdr.Length)
	if err != nil {
		logger.Debug("session: decode NBD_OPT_GO: %v", err)
		return false
	}

	exportSize := s.cfg.Exports.ExportSize(req.Name)
	holderID := lease.NewHolderID()

	leaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	handle, err := s.cfg.Leases.Acquire(leaseCtx, req.Name, holderID)
	cancel()
	if err != nil {
		logger.Info("session: lease conflict export=%s", req.Name)
		_ = wire.WriteErrorReply(s.conn, hdr.Option, wire.RepErrPolicy)
		return false
	}

	s.exportName = req.Name
	s.leaseH = handle
	s.engine = block.New(block.Config{
		Store:            s.cfg.Store,
		ExportName:       req.Name,
		ExportSize:       exportSize,
		FlushParallelism: s.cfg.FlushParallelism,
	})

	if err := wire.WriteExportInfo(s.conn, hdr.Option, exportSize); err != nil {
		return false
	}
	if err := wire.WriteAck(s.conn, hdr.Option); err != nil {
		return false
	}
	logger.Info("session: export=%s holder=%s entering transmission", req.Name, holderID)
	return true
}

// transmissionLoop reads and serially dispatches command frames until
// DISC, a protocol error, or lease loss.
func (s *Session) transmissionLoop(ctx context.Context) {
	for {
		select {
		case <-s.leaseH.Lost():
			logger.Warn("session: export=%s lease lost, closing", s.exportName)
			return
		default:
		}

		cmd, err := wire.ReadCommand(s.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("session: read command: %v", err)
			}
			return
		}

		if cmd.Type == wire.CmdDisc {
			logger.Debug("session: export=%s client disconnect", s.exportName)
			return
		}

		if !s.dispatch(ctx, cmd) {
			return
		}
	}
}

// dispatch handles one command frame, returning false if the session
// must close.
func (s *Session) dispatch(ctx context.Context, cmd wire.Command) bool {
	start := time.Now()
	var sendErr error

	switch cmd.Type {
	case wire.CmdRead:
		sendErr = s.handleRead(ctx, cmd)
	case wire.CmdWrite:
		sendErr = s.handleWrite(ctx, cmd)
	case wire.CmdFlush:
		sendErr = s.handleFlush(ctx, cmd)
	default:
		sendErr = wire.WriteSimpleReply(s.conn, cmd.Handle, wire.ErrnoInval, nil)
	}

	logger.Debug("session: export=%s cmd=%d handle=%#x offset=%d length=%d latency=%s",
		s.exportName, cmd.Type, cmd.Handle, cmd.Offset, cmd.Length, time.Since(start))

	if sendErr != nil {
		logger.Debug("session: write reply: %v", sendErr)
		return false
	}
	return true
}

func (s *Session) handleRead(ctx context.Context, cmd wire.Command) error {
	data, err := s.engine.Read(ctx, cmd.Offset, cmd.Length)
	if err != nil {
		return s.replyError(cmd.Handle, err)
	}
	s.consecutiveFailures = 0
	return wire.WriteSimpleReply(s.conn, cmd.Handle, wire.ErrnoOK, data)
}

func (s *Session) handleWrite(ctx context.Context, cmd wire.Command) error {
	err := s.engine.Write(ctx, cmd.Offset, cmd.Data)
	if err != nil {
		return s.replyError(cmd.Handle, err)
	}
	s.consecutiveFailures = 0
	return wire.WriteSimpleReply(s.conn, cmd.Handle, wire.ErrnoOK, nil)
}

func (s *Session) handleFlush(ctx context.Context, cmd wire.Command) error {
	err := s.engine.Flush(ctx)
	if err != nil {
		return s.replyError(cmd.Handle, err)
	}
	s.consecutiveFailures = 0
	return wire.WriteSimpleReply(s.conn, cmd.Handle, wire.ErrnoOK, nil)
}

// replyError maps an engine error to the appropriate simple-reply errno,
// per spec.md §7, and tracks consecutive storage failures.
func (s *Session) replyError(handle uint64, err error) error {
	var rangeErr *block.RangeError
	if errors.As(err, &rangeErr) {
		return wire.WriteSimpleReply(s.conn, handle, wire.ErrnoInval, nil)
	}

	s.consecutiveFailures++
	replyErr := wire.WriteSimpleReply(s.conn, handle, wire.ErrnoIO, nil)
	if s.consecutiveFailures >= maxConsecutiveStorageFailures {
		logger.Warn("session: export=%s closing after %d consecutive storage failures",
			s.exportName, s.consecutiveFailures)
		if replyErr == nil {
			replyErr = fmt.Errorf("too many consecutive storage failures")
		}
	}
	return replyErr
}

// teardown releases the lease (best-effort) and closes the socket.
// Per spec.md §4.5, the dirty buffer is never flushed on close: only
// client-issued FLUSHes are durable.
func (s *Session) teardown() {
	if s.leaseH != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		s.leaseH.Release(releaseCtx)
		cancel()
	}
	_ = s.conn.Close()
}
