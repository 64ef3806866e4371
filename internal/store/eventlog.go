package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// AppendEvent appends a domain event. The autoincrement seq column gives
// the creation order the event loop consumes in.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *DomainEvent) error {
	payload, err := marshalMap(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO domain_events (id, type, severity, source_entity, source_id, payload, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		event.ID, event.Type, nullStr(string(event.Severity)), nullStr(event.SourceEntity),
		nullStr(event.SourceID), payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		event.Seq = seq
	}
	return nil
}

// ListUnprocessedEvents returns unprocessed events oldest first.
func (s *LibSQLStore) ListUnprocessedEvents(ctx context.Context, limit int) ([]*DomainEvent, error) {
	query := `SELECT seq, id, type, severity, source_entity, source_id, payload, processed, created_at, processed_at
		FROM domain_events WHERE processed = 0 ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*DomainEvent
	for rows.Next() {
		e := &DomainEvent{}
		var severity, source, sourceID, payload sql.NullString
		var processedAt sql.NullTime
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &severity, &source, &sourceID, &payload, &e.Processed,
			&e.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		e.Severity = schema.Severity(severity.String)
		e.SourceEntity = source.String
		e.SourceID = sourceID.String
		e.ProcessedAt = timePtr(processedAt)
		if err := unmarshalNullable(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventProcessed flags an event as consumed. Events are never deleted.
func (s *LibSQLStore) MarkEventProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE domain_events SET processed = 1, processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "domain event", id)
}

// --- Notifications ---

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *Notification) error {
	roles, err := marshalList(n.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, title, message, roles, action_url, send_email, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, n.Message, roles, nullStr(n.ActionURL), n.SendEmail, timeOrNow(n.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, role string, limit int) ([]*Notification, error) {
	query := `SELECT id, title, message, roles, action_url, send_email, created_at FROM notifications`
	var args []any
	if role != "" {
		query += ` WHERE roles LIKE ?`
		args = append(args, `%"`+role+`"%`)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var roles, actionURL sql.NullString
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &roles, &actionURL, &n.SendEmail, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.ActionURL = actionURL.String
		if err := unmarshalNullable(roles, &n.Roles); err != nil {
			return nil, fmt.Errorf("unmarshal roles: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
