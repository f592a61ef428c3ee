package store

import (
	"database/sql"
	"time"

	"mmengine/internal/core"
)

// EnqueueOutbox inserts a pending outbox event. Must run in the same
// transaction as the state change that implies the side effect.
func (t *Tx) EnqueueOutbox(ev *core.OutboxEvent) error {
	_, err := t.tx.Exec(`
        INSERT INTO outbox (event_id, event_type, aggregate_id, payload, status,
                            retry_count, next_retry_at, created_at)
        VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		ev.EventID, string(ev.Type), ev.AggregateID, string(ev.Payload),
		string(core.OutboxPending), toUnix(ev.CreatedAt))
	return err
}

// HasLiveOutboxEvent reports whether the aggregate already has a pending or
// in-flight event of the given kind. Keeps the at-most-one-live-event
// invariant per action kind.
func (t *Tx) HasLiveOutboxEvent(aggregateID string, kind core.OutboxEventType) (bool, error) {
	var n int
	err := t.tx.QueryRow(`
        SELECT COUNT(*) FROM outbox
        WHERE aggregate_id = ? AND event_type = ? AND status IN ('pending', 'in_flight')`,
		aggregateID, string(kind)).Scan(&n)
	return n > 0, err
}

const outboxColumns = `event_id, event_type, aggregate_id, payload, status,
        retry_count, next_retry_at, COALESCE(last_error, ''), created_at`

func scanOutbox(row interface{ Scan(...interface{}) error }) (*core.OutboxEvent, error) {
	var ev core.OutboxEvent
	var etype, status, payload string
	var nextRetry, createdAt float64
	err := row.Scan(&ev.EventID, &etype, &ev.AggregateID, &payload, &status,
		&ev.RetryCount, &nextRetry, &ev.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	ev.Type = core.OutboxEventType(etype)
	ev.Status = core.OutboxStatus(status)
	ev.Payload = []byte(payload)
	ev.NextRetryAt = fromUnix(nextRetry)
	ev.CreatedAt = fromUnix(createdAt)
	return &ev, nil
}

// ClaimPendingOutbox claims up to limit due events ordered by creation and
// marks them in_flight. Events whose aggregate already has an in-flight
// event are left alone so per-aggregate dispatch stays FIFO.
func (t *Tx) ClaimPendingOutbox(limit int, now time.Time) ([]*core.OutboxEvent, error) {
	rows, err := t.tx.Query(`
        SELECT `+outboxColumns+`
        FROM outbox o
        WHERE o.status = 'pending' AND o.next_retry_at <= ?
          AND NOT EXISTS (
              SELECT 1 FROM outbox x
              WHERE x.aggregate_id = o.aggregate_id AND x.status = 'in_flight')
          AND NOT EXISTS (
              SELECT 1 FROM outbox y
              WHERE y.aggregate_id = o.aggregate_id AND y.status = 'pending'
                AND (y.created_at < o.created_at
                     OR (y.created_at = o.created_at AND y.rowid < o.rowid)))
        ORDER BY o.created_at, o.rowid
        LIMIT ?`, toUnix(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*core.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ev := range claimed {
		if _, err := t.tx.Exec(`UPDATE outbox SET status = 'in_flight' WHERE event_id = ?`, ev.EventID); err != nil {
			return nil, err
		}
		ev.Status = core.OutboxInFlight
	}
	return claimed, nil
}

// GetOutboxEvent fetches one event by id.
func (t *Tx) GetOutboxEvent(eventID string) (*core.OutboxEvent, error) {
	row := t.tx.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE event_id = ?`, eventID)
	ev, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// MarkOutboxCompleted finalizes a successfully dispatched event.
func (t *Tx) MarkOutboxCompleted(eventID string) error {
	_, err := t.tx.Exec(`UPDATE outbox SET status = 'completed' WHERE event_id = ?`, eventID)
	return err
}

// MarkOutboxRetry requeues an event after a transient failure with the next
// attempt scheduled at retryAt.
func (t *Tx) MarkOutboxRetry(eventID string, retryCount int, retryAt time.Time, lastError string) error {
	_, err := t.tx.Exec(`
        UPDATE outbox SET status = 'pending', retry_count = ?, next_retry_at = ?, last_error = ?
        WHERE event_id = ?`,
		retryCount, toUnix(retryAt), lastError, eventID)
	return err
}

// MarkOutboxFailed finalizes an event after a terminal failure.
func (t *Tx) MarkOutboxFailed(eventID string, lastError string) error {
	_, err := t.tx.Exec(`UPDATE outbox SET status = 'failed', last_error = ? WHERE event_id = ?`, lastError, eventID)
	return err
}

// MarkOutboxDeadLetter parks an event after exhausting its retries.
func (t *Tx) MarkOutboxDeadLetter(eventID string, lastError string) error {
	_, err := t.tx.Exec(`UPDATE outbox SET status = 'dead_letter', last_error = ? WHERE event_id = ?`, lastError, eventID)
	return err
}

// CountOutboxBacklog counts events not yet in a final status.
func (t *Tx) CountOutboxBacklog() (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status IN ('pending', 'in_flight')`).Scan(&n)
	return n, err
}
