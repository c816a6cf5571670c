package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"granta.org/internal/authz"
	"granta.org/internal/cache"
	"granta.org/internal/events"
	"granta.org/internal/httpapi"
	"granta.org/internal/obs"
	"granta.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GRANTA_COMMIT"))

	var (
		store authz.Store
		probe httpapi.ReadyProbe
		apps  httpapi.ApplicationLookup
	)
	if dsn := os.Getenv("GRANTA_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
		apps = pgStore
	} else {
		log.Printf("GRANTA_PG_DSN not set, using in-memory store")
		mem := authz.NewInMemory()
		store = mem
		apps = mem
	}

	resolver, err := authz.NewResolver(store, authz.WithInheritanceDepth(envInt("GRANTA_INHERITANCE_DEPTH", 3)))
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	subjectCache := cache.New(envDuration("GRANTA_CACHE_TTL", cache.DefaultTTL))
	defer subjectCache.Teardown()

	svc, err := authz.NewService(store, resolver, subjectCache)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	stream := events.New()
	api := httpapi.New(probe, version, svc, apps, stream)

	srv := &http.Server{
		Addr:              envString("GRANTA_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := startHealthServer(envString("GRANTA_GRPC_ADDR", ":9090"))

	log.Printf("Starting granta-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Println("Stopped")
}

// startHealthServer exposes the standard gRPC health protocol so sidecar
// probes can track readiness without HTTP. Returns nil when disabled.
func startHealthServer(addr string) *grpc.Server {
	if addr == "" || addr == "off" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("grpc health listener disabled: %v", err)
		return nil
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("grpc health server: %v", err)
		}
	}()
	return srv
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}
