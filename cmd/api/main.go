package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"intelmarket.org/internal/audit"
	"intelmarket.org/internal/events"
	"intelmarket.org/internal/httpapi"
	"intelmarket.org/internal/market"
	"intelmarket.org/internal/obs"
	"intelmarket.org/internal/store/pg"
)

var version = "0.3.1"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseSweepInterval returns the expiry sweep period, defaulting to one
// minute when unset.
func parseSweepInterval(v string) (time.Duration, error) {
	if v == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

func main() {
	// Register metrics before anything can be recorded.
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("INTELMARKET_COMMIT"))

	// Storage: PostgreSQL when a DSN is configured, otherwise in-process.
	var (
		svc      market.Service
		auditLog audit.Log
		store    *pg.Store
	)
	if dsn := os.Getenv("INTELMARKET_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = store
		auditLog = audit.NewPGLog(store.DB())
	} else {
		svc = market.NewInMemory()
		auditLog = audit.NewInMemory()
	}

	bus := events.New()

	probe := httpapi.ReadyProbe{}
	if store != nil {
		probe.DB = store.DB()
	}
	api := httpapi.New(probe, version, svc, auditLog, bus)
	if hash := os.Getenv("INTELMARKET_AUTHORITY_SECRET_HASH"); hash != "" {
		api.SetAuthoritySecretHash(hash)
	}

	// Background expiry of auctions and access grants.
	sweepEvery, err := parseSweepInterval(os.Getenv("INTELMARKET_SWEEP_INTERVAL"))
	if err != nil {
		log.Fatalf("invalid INTELMARKET_SWEEP_INTERVAL: %v", err)
	}
	sweeper := market.NewSweeper(svc)
	stopSweeper := sweeper.Start(sweepEvery)

	srv := &http.Server{
		Addr:              envOr("INTELMARKET_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health endpoint for orchestration probes.
	grpcSrv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, httpapi.NewGRPCServer(probe, version))
	grpcAddr := envOr("INTELMARKET_GRPC_ADDR", ":9091")
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("listen grpc: %v", err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Printf("grpc serve: %v", err)
		}
	}()

	log.Printf("Starting intelmarket-api %s on %s (grpc %s)", version, srv.Addr, grpcAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweeper()
	grpcSrv.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
