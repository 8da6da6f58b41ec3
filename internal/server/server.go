// Package server wires the capture core (CaptureCoordinator, Buffer,
// Registry) to the control and data listeners, running each listener's
// accept loop as its own errgroup branch.
package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pandafabric/captured/internal/capture"
	"github.com/pandafabric/captured/internal/config"
	"github.com/pandafabric/captured/internal/hw"
	"github.com/pandafabric/captured/internal/protocol"
	"github.com/pandafabric/captured/internal/registry"
	"github.com/pandafabric/captured/internal/session"
)

// Server owns the capture core and both listeners for its lifetime.
type Server struct {
	cfg    *config.Config
	buf    *capture.Buffer
	coord  *capture.CaptureCoordinator
	reg    *registry.Registry
	handle *protocol.Handler
	log    *zap.SugaredLogger
}

// New builds a Server from cfg, wiring a Buffer sized per cfg.Buffer, a
// CaptureCoordinator driving hardware, and a Registry pre-populated
// with the single field PCAP.BLOCK0.DATA.
func New(cfg *config.Config, hardware hw.Hardware, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	buf := capture.New(int(cfg.Buffer.BlockSize.Bytes()), cfg.Buffer.BlockCount)
	coord := capture.NewCoordinator(buf, hardware, log)

	reg := registry.New()
	reg.Register(registry.Field{Name: "PCAP.BLOCK0.DATA", Block: "PCAP"})

	return &Server{
		cfg:    cfg,
		buf:    buf,
		coord:  coord,
		reg:    reg,
		handle: protocol.NewHandler(reg, coord, buf),
		log:    log,
	}
}

// Run serves the control and data listeners until ctx is canceled,
// shutting both down together on the first failure or cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("running captured server")
	defer s.log.Info("stopped captured server")

	controlLn, err := net.Listen("tcp", s.cfg.ControlListen)
	if err != nil {
		return fmt.Errorf("failed to listen on control address: %w", err)
	}
	defer controlLn.Close()

	dataLn, err := net.Listen("tcp", s.cfg.DataListen)
	if err != nil {
		return fmt.Errorf("failed to listen on data address: %w", err)
	}
	defer dataLn.Close()

	s.log.Infow("listening",
		zap.Stringer("control", controlLn.Addr()),
		zap.Stringer("data", dataLn.Addr()),
	)

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return acceptLoop(ctx, controlLn, s.log, func(conn net.Conn) {
			if err := s.handle.ServeConn(ctx, conn); err != nil {
				s.log.Debugw("control session ended", zap.Error(err))
			}
		})
	})

	wg.Go(func() error {
		return acceptLoop(ctx, dataLn, s.log, func(conn net.Conn) {
			sess := session.New(conn, s.buf, s.coord, s.log)
			if err := sess.Run(ctx); err != nil {
				s.log.Debugw("data session ended", zap.Error(err))
			}
		})
	})

	<-ctx.Done()

	s.log.Info("stopping listeners")
	controlLn.Close()
	dataLn.Close()

	return wg.Wait()
}

// acceptLoop accepts connections from ln until ctx is done or Accept
// fails, dispatching each to handle on its own goroutine.
func acceptLoop(ctx context.Context, ln net.Listener, log *zap.SugaredLogger, handle func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}

		log.Debugw("accepted connection", zap.Stringer("remote", conn.RemoteAddr()))
		go func() {
			defer conn.Close()
			handle(conn)
		}()
	}
}
