package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"jobbridge/auth"
	"jobbridge/contract"
	"jobbridge/db"
	"jobbridge/feedback"
	"jobbridge/job"
	"jobbridge/negotiation"
	"jobbridge/realtime"
)

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	contractRepo := contract.NewRepository(pool)
	contractSvc := contract.NewService(pool, contractRepo)
	negotiationRepo := negotiation.NewRepository(pool)
	negotiationSvc := negotiation.NewService(pool, negotiationRepo, contractRepo)
	feedbackSvc := feedback.NewService(pool, feedback.NewRepository(), contractRepo)

	hub := realtime.NewHub()
	defer hub.Close()

	server := &Server{
		authService:        auth.NewService(auth.NewRepository(pool), jwtSecret),
		jobService:         job.NewService(job.NewRepository(pool)),
		negotiationService: negotiationSvc,
		contractService:    contractSvc,
		feedbackService:    feedbackSvc,
		hub:                hub,
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		log:                log,
		metrics:            newAPIMetrics(),
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("api listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := realtime.NewRelay(pool, hub, log).Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
	log.Info("api stopped")
}
