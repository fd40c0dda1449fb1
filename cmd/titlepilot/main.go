package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"titlepilot/internal/api"
	"titlepilot/internal/config"
	"titlepilot/internal/experiments"
	"titlepilot/internal/platform"
	"titlepilot/internal/quota"
	"titlepilot/internal/scheduler"
	"titlepilot/internal/store"
	"titlepilot/internal/worker"
)

func main() {
	var (
		addr   = flag.String("addr", ":8080", "HTTP bind address")
		dbPath = flag.String("db", "titlepilot.db", "SQLite DB path")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.MustLoad()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.New(db)
	if n, err := st.RecoverStalled(context.Background(), time.Now(), cfg.StallAfter); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("rescheduled experiments stalled across restart")
	}

	ledger := quota.NewLedger(db, cfg.QuotaDailyLimit, quota.Costs{Write: cfg.QuotaWriteCost, Read: cfg.QuotaReadCost})
	renamer := platform.NewClient(cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.RotateTimeout)
	pool := worker.NewPool(st, ledger, renamer, cfg.Workers, cfg.RotateTimeout, cfg.MaxConsecutiveFailures, cfg.FailureBackoff)

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.NewService(st, pool, cfg.TickInterval, cfg.ClaimLimit, cfg.StallAfter, cfg.DispatchRPS, cfg.DispatchBurst)
	go sched.Start(ctx)

	svc := experiments.NewService(st)
	srv := &http.Server{Addr: *addr, Handler: api.NewServer(svc, ledger, sched)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
