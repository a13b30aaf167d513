// Package grpcserver runs the gRPC health endpoint of mk-server.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "mailkeeper"

// Probe reports whether a dependency (database, broker) is usable.
type Probe func(ctx context.Context) error

// Options configures the health server.
type Options struct {
	Addr          string
	Reflection    bool
	ProbeInterval time.Duration // 0 disables probing
	ProbeTimeout  time.Duration
	// Creds enables TLS when set. See credentials.NewServerTLSFromFile.
	Creds credentials.TransportCredentials
	// StopTimeout bounds GracefulStop before a hard Stop. Default 5s.
	StopTimeout time.Duration
}

// Server is a gRPC server exposing grpc.health.v1.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	probe  Probe
	opts   Options
	log    *zap.Logger
}

// New builds the server with logging and recovery interceptors.
func New(probe Probe, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	sopts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	}
	if opts.Creds != nil {
		sopts = append(sopts, grpc.Creds(opts.Creds))
	}
	gs := grpc.NewServer(sopts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if opts.Reflection {
		reflection.Register(gs)
	}
	s := &Server{grpc: gs, health: hs, probe: probe, opts: opts, log: log}
	s.SetServing(true)
	return s
}

// SetServing flips both the overall and the named service status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// CheckOnce runs the probe and updates the status accordingly.
func (s *Server) CheckOnce(ctx context.Context) {
	if s.probe == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	err := s.probe(ctx)
	if err != nil {
		s.log.Warn("health probe failed", zap.Error(err))
	}
	s.SetServing(err == nil)
}

// Serve accepts on lis until ctx is done. It reports NOT_SERVING before stopping.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	var tick <-chan time.Time
	if s.opts.ProbeInterval > 0 && s.probe != nil {
		t := time.NewTicker(s.opts.ProbeInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-tick:
			s.CheckOnce(ctx)
		case <-ctx.Done():
			s.health.Shutdown()
			s.stop()
			return nil
		}
	}
}

func (s *Server) stop() {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.StopTimeout):
		s.grpc.Stop()
	}
}

// ListenAndServe listens on opts.Addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()), zap.Bool("tls", s.opts.Creds != nil))
	return s.Serve(ctx, lis)
}
