// Package postgres holds the PostgreSQL infrastructure: the transactional
// outbox for dispense events, the prescription fulfillment projection, and
// the fulfiller status audit log.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openmrs/openmrs-esm-dispensing-app-sub000/internal/domain/fulfillment"
)

// outboxLockID serializes relay instances via an advisory lock.
const outboxLockID = int64(7353201)

// OutboxEntry is one event awaiting publication.
type OutboxEntry struct {
	ID          int64
	RequestID   string
	EncounterID string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	Key         string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig holds configuration for the relay.
type OutboxConfig struct {
	// BatchSize is the number of entries processed per poll.
	BatchSize int
	// PollInterval is the polling period.
	PollInterval time.Duration
	// MaxRetries is the retry cap before an entry goes to the dead letter
	// topic.
	MaxRetries int
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
	}
}

// Publisher publishes outbox entries to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed events to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox relay.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEvent stores a fulfillment event in the outbox inside the caller's
// transaction, so the event is published iff the transaction commits.
func WriteEvent(ctx context.Context, tx pgx.Tx, ev *fulfillment.Event, topic string) error {
	query := `
		INSERT INTO outbox (request_id, encounter_id, event_type, payload, topic, key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	// Keyed by request id so all events of one request stay ordered.
	if _, err := tx.Exec(ctx, query,
		ev.RequestID, ev.EncounterID, string(ev.EventType), payload, topic, ev.RequestID,
	); err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and relaying entries.
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop stops the relay and waits for the loop to exit.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	var acquired bool
	err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired)
	if err != nil || !acquired {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", outboxLockID)

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.relayEntry(ctx, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, request_id, encounter_id, event_type, payload,
		       topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.RequestID, &entry.EncounterID,
			&entry.EventType, &entry.Payload, &entry.Topic,
			&entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) relayEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("request_id", entry.RequestID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := o.pool.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	markQuery := `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := o.pool.Exec(ctx, markQuery, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// CleanupProcessed removes entries relayed longer than olderThan ago.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`
	result, err := o.pool.Exec(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// MoveToDeadLetter re-publishes entries past the retry cap to the dead
// letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context, deadLetterTopic string) (int64, error) {
	query := `
		SELECT id, request_id, encounter_id, event_type, payload,
		       topic, key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var stuck []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.RequestID, &entry.EncounterID,
			&entry.EventType, &entry.Payload, &entry.Topic,
			&entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		stuck = append(stuck, entry)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range stuck {
		dlPayload, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"event_type":     entry.EventType,
			"request_id":     entry.RequestID,
			"encounter_id":   entry.EncounterID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})

		if err := o.publisher.Publish(ctx, deadLetterTopic, entry.Key, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// OutboxStats summarizes the relay backlog.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	if err := o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1",
		o.config.MaxRetries).Scan(&stats.Pending); err != nil {
		return nil, err
	}
	if err := o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'").
		Scan(&stats.Processed); err != nil {
		return nil, err
	}
	if err := o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count >= $1",
		o.config.MaxRetries).Scan(&stats.Failed); err != nil {
		return nil, err
	}
	o.pool.QueryRow(ctx, "SELECT MIN(created_at) FROM outbox WHERE processed_at IS NULL").Scan(&stats.OldestPending)

	return stats, nil
}
