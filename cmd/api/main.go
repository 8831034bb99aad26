package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"defacto/auth"
	"defacto/claim"
	"defacto/config"
	"defacto/db"
	"defacto/ledger"
	"defacto/metrics"
	"defacto/outbox"
	"defacto/resolution"
	"defacto/stake"
	"defacto/vote"
	"defacto/window"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		metrics.InitializePrometheus()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.HTTPHandler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	var gateway ledger.Gateway
	if cfg.LedgerURL != "" {
		gateway = ledger.NewClient(cfg.LedgerURL, cfg.LedgerTimeout)
	} else {
		gateway = ledger.NewMemory()
		log.Printf("no LEDGER_URL configured, using in-process ledger")
	}

	events := outbox.NewWriter()
	stakes := stake.NewRegistry(pool)

	engine := resolution.NewEngine(stakes, events, cfg.Policy.VerifyThreshold)
	scheduler := window.NewScheduler(pool, engine)

	claims := claim.NewService(pool, claim.NewRepository(pool), scheduler, events, cfg.Policy)
	votes := vote.NewService(pool, stakes, gateway, events, cfg.Policy)
	accounts := auth.NewService(pool, auth.NewRepository(pool), stakes, cfg.JWTSecret, cfg.Policy.InitialTokenGrant).
		WithActivitySources(stakes, claim.NewRepository(pool), vote.NewRepository(pool))

	go scheduler.Run(ctx, cfg.SweepInterval, func(resolved int, err error) {
		if err != nil {
			log.Printf("window sweep: %v", err)
			return
		}
		if resolved > 0 {
			log.Printf("window sweep: resolved %d claims", resolved)
		}
	})

	log.Printf("defacto services ready: claims=%t votes=%t auth=%t sweep=%s",
		claims != nil, votes != nil, accounts != nil, cfg.SweepInterval)

	<-ctx.Done()
	log.Printf("shutting down")
}
