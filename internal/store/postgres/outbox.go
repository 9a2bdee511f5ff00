package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
)

func (s *Store) Enqueue(ctx context.Context, events ...store.OutboxEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := enqueue(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PendingOutbox returns unpublished rows oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `select id,topic,msg_key,payload,created_at from outbox where status='PENDING' order by id asc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []store.OutboxEvent
	for rows.Next() {
		var ev store.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		batch = append(batch, ev)
	}
	return batch, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `update outbox set status='PUBLISHED', published_at=now() where id=$1`, id)
	return err
}

func enqueue(ctx context.Context, tx pgx.Tx, events []store.OutboxEvent) error {
	for _, ev := range events {
		created := ev.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `insert into outbox(topic,msg_key,payload,status,created_at) values ($1,$2,$3,'PENDING',$4)`,
			ev.Topic, ev.Key, ev.Payload, created)
		if err != nil {
			return err
		}
	}
	return nil
}
