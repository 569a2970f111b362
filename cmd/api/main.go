package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taptosettle/auth"
	"taptosettle/blob"
	"taptosettle/config"
	"taptosettle/contract"
	"taptosettle/db"
	"taptosettle/outbox"
	"taptosettle/payment"
	"taptosettle/settlement"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := config.MustLoad()

	pool, err := db.NewPool(ctx, env.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	caseRepo := settlement.NewPGRepository(pool)
	caseService := settlement.NewService(caseRepo)

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, env.JWTSecret)

	provider := payment.NewClient(env.StripeAPIBase, env.StripeSecretKey)
	verifier := payment.NewSignatureVerifier(env.StripeWebhookSecret)
	paymentSvc := payment.NewService(caseRepo, provider, verifier, env.PublicHost)

	contractSvc := contract.NewService(caseRepo, contract.TextRenderer{}, env.ContractsDir)

	server := &Server{
		settlementService: caseService,
		paymentService:    paymentSvc,
		contractService:   contractSvc,
		authService:       authSvc,
		uploads:           blob.NewFSStore(env.UploadsDir),
		contractsDir:      env.ContractsDir,
	}

	httpServer := &http.Server{
		Addr:              ":" + env.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatcher := outbox.NewDispatcher(pool, outbox.LogPublisher{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("api listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := dispatcher.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("api: %v", err)
	}
}
