package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"taptosettle/outbox"
	"taptosettle/settlement"
	"taptosettle/test/infra"
)

var (
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent writers per race")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestSettlementConcurrency races duplicate payment deliveries, late checkout
// attempts and contract issuance over a real database and then checks the
// invariants the API depends on: one effective payment, one timeline entry,
// one outbox message, one contract artifact.
func TestSettlementConcurrency(t *testing.T) {
	flag.Parse()

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("SETTLEMENT_TEST_PG_DSN") != "":
		dsn = os.Getenv("SETTLEMENT_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	repo := settlement.NewPGRepository(pool)
	svc := settlement.NewService(repo)

	c, err := svc.CreateCase(ctx, settlement.CreateParams{
		AmountCents:      250000,
		DownPaymentCents: 50000,
		Months:           12,
		DownPct:          20,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	// Drain the outbox in the background while writers race.
	dispatcherCtx, stopDispatcher := context.WithCancel(ctx)
	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- outbox.NewDispatcher(pool, outbox.LogPublisher{}).Run(dispatcherCtx)
	}()

	sessionID := "cs_stress_1"
	paidAt := time.Now().UTC()

	var applied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			_, ok, err := repo.MarkPaid(gctx, c.ID, sessionID, paidAt)
			if err != nil {
				return fmt.Errorf("mark paid: %w", err)
			}
			if ok {
				applied.Add(1)
			}
			return nil
		})
		g.Go(func() error {
			_, err := repo.MarkCheckoutPending(gctx, c.ID, "cs_late")
			if err != nil && !errors.Is(err, settlement.ErrAlreadyPaid) {
				return fmt.Errorf("mark pending: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("payment race: %v", err)
	}

	if got := applied.Load(); got != 1 {
		t.Fatalf("expected exactly 1 applied payment, got %d", got)
	}

	contractURL := "/contracts/" + c.ID + ".pdf"
	g, gctx = errgroup.WithContext(ctx)
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			updated, err := repo.SetContractURL(gctx, c.ID, contractURL)
			if err != nil {
				return fmt.Errorf("set contract url: %w", err)
			}
			if updated.ContractURL == nil || *updated.ContractURL != contractURL {
				return fmt.Errorf("unexpected contract url %v", updated.ContractURL)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("contract race: %v", err)
	}

	stopDispatcher()
	if err := <-dispatcherDone; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("dispatcher: %v", err)
	}

	checkInvariants(t, ctx, pool, c.ID)
}

type invariantCheck struct {
	name string
	sql  string
	want int64
}

func checkInvariants(t *testing.T, ctx context.Context, pool *pgxpool.Pool, caseID string) {
	t.Helper()

	checks := []invariantCheck{
		{"single payment event", `SELECT COUNT(*) FROM case_events WHERE case_id=$1 AND type='PAYMENT_COMPLETED'`, 1},
		{"single paid outbox message", `SELECT COUNT(*) FROM outbox WHERE topic='case.paid' AND payload->>'case_id'=$1`, 1},
		{"single contract event", `SELECT COUNT(*) FROM case_events WHERE case_id=$1 AND type='CONTRACT_ISSUED'`, 1},
		{"no pending after paid", `SELECT COUNT(*) FROM cases WHERE id=$1 AND payment_status='PENDING'`, 0},
		{"paid row complete", `SELECT COUNT(*) FROM cases WHERE id=$1 AND payment_status='PAID' AND paid_at IS NOT NULL AND contract_url IS NOT NULL`, 1},
	}

	for _, check := range checks {
		var got int64
		if err := pool.QueryRow(ctx, check.sql, caseID).Scan(&got); err != nil {
			t.Fatalf("invariant %q: %v", check.name, err)
		}
		if got != check.want {
			dumpRecent(t, ctx, pool)
			t.Fatalf("invariant %q: expected %d, got %d", check.name, check.want, got)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"cases", `SELECT id, payment_status, paid_at, provider_session_id, contract_url FROM cases ORDER BY seq DESC LIMIT 20`},
		{"case_events", `SELECT id, case_id, type, created_at FROM case_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
