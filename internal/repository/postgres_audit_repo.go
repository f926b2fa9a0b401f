package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/authcore/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査記録リポジトリ。
// 付随データは audit_event_data テーブルに名前と値の組で保存する。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Create は監査記録と付随データを同一トランザクションで作成する。
func (r *PostgresAuditRepo) Create(ctx context.Context, record *model.AuditRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (id, principal, event_type, event_date)
		 VALUES ($1, $2, $3, $4)`,
		record.ID, record.Principal, record.Type, record.Date,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(record.Data)) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_event_data (event_id, name, value) VALUES ($1, $2, $3)`,
			record.ID, name, record.Data[name],
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit event data: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindByID は指定IDの監査記録を取得する。見つからない場合はnilを返す。
func (r *PostgresAuditRepo) FindByID(ctx context.Context, id string) (*model.AuditRecord, error) {
	record := &model.AuditRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, principal, event_type, event_date FROM audit_events WHERE id = $1`,
		id,
	).Scan(&record.ID, &record.Principal, &record.Type, &record.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find audit event by ID: %w", err)
	}

	if err := r.attachData(ctx, []*model.AuditRecord{record}); err != nil {
		return nil, err
	}
	return record, nil
}

// FindByPrincipal は主体ごとの監査記録を返す。
func (r *PostgresAuditRepo) FindByPrincipal(ctx context.Context, principal string) ([]*model.AuditRecord, error) {
	return r.query(ctx,
		`SELECT id, principal, event_type, event_date FROM audit_events
		 WHERE principal = $1
		 ORDER BY event_date DESC, id DESC`,
		principal,
	)
}

// FindAll は監査記録をページングして返す。
func (r *PostgresAuditRepo) FindAll(ctx context.Context, page model.PageRequest) ([]*model.AuditRecord, error) {
	return r.query(ctx,
		`SELECT id, principal, event_type, event_date FROM audit_events
		 ORDER BY event_date DESC, id DESC
		 LIMIT $1 OFFSET $2`,
		page.Limit(), page.Offset(),
	)
}

// FindByDates は期間内の監査記録をページングして返す。
func (r *PostgresAuditRepo) FindByDates(ctx context.Context, from, to time.Time, page model.PageRequest) ([]*model.AuditRecord, error) {
	return r.query(ctx,
		`SELECT id, principal, event_type, event_date FROM audit_events
		 WHERE event_date >= $1 AND event_date < $2
		 ORDER BY event_date DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		from, to, page.Limit(), page.Offset(),
	)
}

// Count は監査記録の総数を返す。
func (r *PostgresAuditRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// CountByDates は期間内の監査記録数を返す。
func (r *PostgresAuditRepo) CountByDates(ctx context.Context, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE event_date >= $1 AND event_date < $2`,
		from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events by dates: %w", err)
	}
	return count, nil
}

// ListIDsBefore は日時が cutoff より前の監査記録IDを返す。
func (r *PostgresAuditRepo) ListIDsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM audit_events WHERE event_date < $1 ORDER BY event_date`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list old audit events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan audit event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit event ids: %w", err)
	}
	return ids, nil
}

// DeleteByID は指定IDの監査記録を削除する。
func (r *PostgresAuditRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete audit event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("audit event not found: %s", id)
	}
	return nil
}

func (r *PostgresAuditRepo) query(ctx context.Context, query string, args ...any) ([]*model.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var records []*model.AuditRecord
	for rows.Next() {
		record := &model.AuditRecord{}
		if err := rows.Scan(&record.ID, &record.Principal, &record.Type, &record.Date); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}

	if err := r.attachData(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// attachData は records の付随データを1回のクエリでまとめて読み込む。
func (r *PostgresAuditRepo) attachData(ctx context.Context, records []*model.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	byID := make(map[string]*model.AuditRecord, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		record.Data = map[string]string{}
		byID[record.ID] = record
		ids = append(ids, record.ID)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, name, value FROM audit_event_data WHERE event_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to load audit event data: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID, name, value string
		if err := rows.Scan(&eventID, &name, &value); err != nil {
			return fmt.Errorf("failed to scan audit event data: %w", err)
		}
		if record, ok := byID[eventID]; ok {
			record.Data[name] = value
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate audit event data: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
