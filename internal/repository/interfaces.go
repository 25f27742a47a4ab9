// Package repository はデータ永続化のインターフェースを定義する。
// PostgreSQL実装とインメモリ実装があり、起動時に設定で選択される。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/servicedesk/internal/model"
)

// ErrVersionConflict はUpdateContentのexpectedVersionが
// 現在のversionと一致しなかったことを示す。
var ErrVersionConflict = errors.New("service request version conflict")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// ServiceRequestRepository はサービスリクエストの永続化インターフェース。
// 書き込みはすべてRequest Service経由で行われる。
type ServiceRequestRepository interface {
	// FindByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ServiceRequest, error)

	// ListByUser はユーザーのリクエスト一覧を作成日時降順で返す。
	// categoryが空文字列の場合は全カテゴリを対象とする。
	ListByUser(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error)

	// Create はリクエストを作成する。
	Create(ctx context.Context, req *model.ServiceRequest) error

	// UpdateContent は本文とupdated_atを更新し、versionをインクリメントする。
	// expectedVersionがnil以外の場合、現在のversionと一致する行のみを
	// 更新する（楽観的ロック）。不一致の場合はErrVersionConflictを返す。
	// 更新後のレコードを返す。レコードが存在しない場合はnilを返す。
	UpdateContent(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error)

	// SetConversationID は外部ミラーの会話IDを書き戻す。
	// 対象レコードが既に削除されている場合は何もしない（エラーにしない）。
	SetConversationID(ctx context.Context, id, conversationID string) error

	// Delete は指定IDのリクエストを削除する。存在しない場合はエラーを返す。
	Delete(ctx context.Context, id string) error
}
