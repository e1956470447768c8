// Package healthsvc exposes the rex server's status as a grpc.health.v1
// service.
package healthsvc

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name rex reports under; "" reports the whole process.
const ServiceName = "rex"

type Service struct {
	gs *grpc.Server
	hs *health.Server

	lock sync.Mutex
	l    net.Listener
}

func New() *Service {
	s := &Service{
		gs: grpc.NewServer(),
		hs: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.gs, s.hs)
	s.SetServing(false)
	return s
}

func (s *Service) Listen(addr string) (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.l, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("healthsvc: listen: %w", err)
	}
	log.Printf("healthsvc: listening on %s\n", s.l.Addr())
	return nil
}

func (s *Service) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.l == nil {
		return ""
	}
	return s.l.Addr().String()
}

// Serve blocks until Stop.
func (s *Service) Serve() error {
	s.lock.Lock()
	l := s.l
	s.lock.Unlock()
	if l == nil {
		return fmt.Errorf("healthsvc: serve: not listening")
	}

	if err := s.gs.Serve(l); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("healthsvc: serve: %w", err)
	}
	return nil
}

func (s *Service) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", st)
	s.hs.SetServingStatus(ServiceName, st)
}

func (s *Service) Stop() {
	s.hs.Shutdown()
	s.gs.Stop()
}

// Check asks the health service at addr for the status of service.
func Check(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	cc, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("healthsvc: dial %s: %w", addr, err)
	}
	defer cc.Close()

	// the status error is returned as is so callers can inspect its code
	return healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}
