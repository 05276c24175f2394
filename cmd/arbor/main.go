// Command arbor runs the storage engine as a standalone process, exposing
// a gRPC health surface (for orchestrators) and an HTTP observability
// endpoint (metrics, health, pprof).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/nainya/arbor/internal/logger"
	"github.com/nainya/arbor/internal/metrics"
	"github.com/nainya/arbor/internal/server"
	"github.com/nainya/arbor/pkg/storage"
)

func main() {
	grpcPort := flag.Int("grpc-port", 50051, "gRPC health/admin port")
	httpPort := flag.Int("http-port", 9090, "HTTP observability port (metrics, health, pprof)")
	dbPath := flag.String("db", "arbor.db", "path to the database file")
	readOnly := flag.Bool("read-only", false, "open the database read-only")
	noSync := flag.Bool("no-sync", false, "skip fsync on commit (unsafe, for benchmarking)")
	strict := flag.Bool("strict", false, "run a consistency check after every commit")
	pretty := flag.Bool("pretty", false, "use human-readable console log output")
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: "info", Pretty: *pretty, WithCaller: false})
	log := logger.GetGlobalLogger()

	db, err := storage.Open(*dbPath, storage.Options{
		ReadOnly:   *readOnly,
		NoSync:     *noSync,
		StrictMode: *strict,
		Logger:     log,
	})
	if err != nil {
		log.Fatal("failed to open database").Err(err).Send()
	}
	defer db.Close()

	m := metrics.NewMetrics()
	srv := server.New(db, m, log)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *grpcPort))
	if err != nil {
		log.Fatal("failed to listen").Err(err).Send()
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)))
	srv.Register(grpcServer)

	obs := server.NewObservabilityServer(*httpPort, db, log)

	go func() {
		log.LogServerStart(*grpcPort, *dbPath)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server stopped").Err(err).Send()
		}
	}()
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	log.LogServerReady(*grpcPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.LogServerShutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = obs.Shutdown(ctx)
	grpcServer.GracefulStop()
}
