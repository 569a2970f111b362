// Package outbox drains pending outbox messages written by the settlement
// repository and hands them to a publisher. Messages are claimed with
// SKIP LOCKED so multiple dispatchers can run side by side without
// double-publishing.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	batchSize   = 10
	maxAttempts = 5
)

// Publisher delivers a single outbox message to the outside world.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher writes messages to the process log. Stands in until a real
// broker is wired up.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	log.Printf("outbox: publish topic=%s payload=%s", topic, payload)
	return nil
}

// Dispatcher polls the outbox table and publishes pending messages.
type Dispatcher struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		pool:      pool,
		publisher: publisher,
		interval:  100 * time.Millisecond,
	}
}

// Run polls until ctx is cancelled. Pending messages are claimed in batches;
// a message that keeps failing is parked as dead after maxAttempts.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := d.drainBatch(ctx); err != nil {
			log.Printf("outbox: drain: %v", err)
		}
	}
}

type pendingMessage struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

func (d *Dispatcher) drainBatch(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize)
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}
	batch := make([]pendingMessage, 0, batchSize)
	for rows.Next() {
		var m pendingMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: read batch: %w", err)
	}

	for _, m := range batch {
		if err := d.publisher.Publish(ctx, m.Topic, m.Payload); err != nil {
			status := "pending"
			if m.Attempts+1 >= maxAttempts {
				status = "dead"
				log.Printf("outbox: message %s dead after %d attempts: %v", m.ID, m.Attempts+1, err)
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status=$2, attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID, status); err != nil {
				return fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, m.ID); err != nil {
			return fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit: %w", err)
	}
	return nil
}
