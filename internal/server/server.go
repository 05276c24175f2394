// Package server exposes the running engine over gRPC: a health surface
// and reflection, plus a Prometheus scrape endpoint. It deliberately does
// not expose the storage API itself over the wire; embedders link
// pkg/storage directly and use this package only for operability.
package server

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/arbor/internal/logger"
	"github.com/nainya/arbor/internal/metrics"
	"github.com/nainya/arbor/pkg/storage"
)

// Server wires a DB into a gRPC health service and keeps the engine gauges
// in internal/metrics fresh, so the engine can be operated as a standalone
// process. The HTTP metrics endpoint is served by ObservabilityServer.
type Server struct {
	db        *storage.DB
	health    *health.Server
	metrics   *metrics.Metrics
	log       *logger.Logger
	startedAt time.Time
}

// New wraps an already-open DB. The caller owns db's lifecycle; Server
// never closes it.
func New(db *storage.DB, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Server{
		db:        db,
		health:    health.NewServer(),
		metrics:   m,
		log:       log,
		startedAt: time.Now(),
	}
}

// Register attaches the health and reflection services to a grpc.Server,
// and starts the background watcher that flips health status with the DB.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(grpcServer, s.health)
	reflection.Register(grpcServer)
	s.setServingStatus()
	go s.watchDB()
}

func (s *Server) setServingStatus() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.db.IsOpen() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("arbor.Engine", status)
}

// watchDB polls DB.IsOpen and keeps the health service's serving status in
// sync, since the engine has no open/close event stream of its own. It also
// refreshes the gauge metrics from a Stats() snapshot, since the engine has
// no hook to push them on every commit.
func (s *Server) watchDB() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.setServingStatus()
		if !s.db.IsOpen() {
			return
		}
		if s.metrics != nil {
			stats := s.db.Stats()
			s.metrics.UpdateDbStats(uint64(stats.MaxPageId), stats.FreePageCount, stats.MmapSize, 0)
		}
	}
}

// Stats is a point-in-time snapshot suitable for an admin dashboard.
type Stats struct {
	storage.Stats
	Uptime time.Duration
}

func (s *Server) Stats() Stats {
	return Stats{Stats: s.db.Stats(), Uptime: time.Since(s.startedAt)}
}
