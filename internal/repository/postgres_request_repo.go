package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/servicedesk/internal/model"
)

// PostgresServiceRequestRepo はPostgreSQLを使用したサービスリクエストリポジトリ。
type PostgresServiceRequestRepo struct {
	db *sql.DB
}

// NewPostgresServiceRequestRepo はPostgresServiceRequestRepoを生成する。
func NewPostgresServiceRequestRepo(db *sql.DB) *PostgresServiceRequestRepo {
	return &PostgresServiceRequestRepo{db: db}
}

const requestColumns = `id, user_id, category, content, status, intercom_conversation_id, version, created_at, updated_at`

// scanRequest は1行をServiceRequestに読み込む。
func scanRequest(row *sql.Row) (*model.ServiceRequest, error) {
	req := &model.ServiceRequest{}
	err := row.Scan(
		&req.ID, &req.UserID, &req.Category, &req.Content, &req.Status,
		&req.IntercomConversationID, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// FindByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
func (r *PostgresServiceRequestRepo) FindByID(ctx context.Context, id string) (*model.ServiceRequest, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM service_requests WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find service request by ID: %w", err)
	}
	return req, nil
}

// ListByUser はユーザーのリクエスト一覧を作成日時降順で返す。
// categoryが空文字列の場合は全カテゴリを対象とする。
func (r *PostgresServiceRequestRepo) ListByUser(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE user_id = $1`
	args := []interface{}{userID}

	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list service requests: %w", err)
	}
	defer rows.Close()

	requests := []*model.ServiceRequest{}
	for rows.Next() {
		req := &model.ServiceRequest{}
		if err := rows.Scan(
			&req.ID, &req.UserID, &req.Category, &req.Content, &req.Status,
			&req.IntercomConversationID, &req.Version, &req.CreatedAt, &req.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan service request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service requests: %w", err)
	}

	return requests, nil
}

// Create はリクエストを作成する。
func (r *PostgresServiceRequestRepo) Create(ctx context.Context, req *model.ServiceRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO service_requests
		 (id, user_id, category, content, status, intercom_conversation_id, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.UserID, req.Category, req.Content, req.Status,
		req.IntercomConversationID, req.Version, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert service request: %w", err)
	}
	return nil
}

// UpdateContent は本文とupdated_atを更新し、versionをインクリメントする。
// 更新・インクリメント・versionガードは単一のUPDATE文でアトミックに行う。
// expectedVersion不一致の場合はErrVersionConflictを返す。
// 更新後のレコードを返す。レコードが存在しない場合はnilを返す。
func (r *PostgresServiceRequestRepo) UpdateContent(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
	var row *sql.Row
	if expectedVersion != nil {
		row = r.db.QueryRowContext(ctx,
			`UPDATE service_requests
			 SET content = $2, version = version + 1, updated_at = $3
			 WHERE id = $1 AND version = $4
			 RETURNING `+requestColumns,
			id, content, updatedAt, *expectedVersion,
		)
	} else {
		row = r.db.QueryRowContext(ctx,
			`UPDATE service_requests
			 SET content = $2, version = version + 1, updated_at = $3
			 WHERE id = $1
			 RETURNING `+requestColumns,
			id, content, updatedAt,
		)
	}

	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update service request: %w", err)
	}
	if req == nil && expectedVersion != nil {
		// 行が無いのかversion不一致なのかを区別する
		var one int
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM service_requests WHERE id = $1`, id,
		).Scan(&one)
		if err == nil {
			return nil, ErrVersionConflict
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check service request existence: %w", err)
		}
	}
	return req, nil
}

// SetConversationID は外部ミラーの会話IDを書き戻す。
// 対象レコードが既に削除されている場合は何もしない。
func (r *PostgresServiceRequestRepo) SetConversationID(ctx context.Context, id, conversationID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE service_requests SET intercom_conversation_id = $2 WHERE id = $1`,
		id, conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to set conversation ID: %w", err)
	}
	return nil
}

// Delete は指定IDのリクエストを削除する。存在しない場合はエラーを返す。
func (r *PostgresServiceRequestRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM service_requests WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete service request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("service request not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ ServiceRequestRepository = (*PostgresServiceRequestRepo)(nil)
