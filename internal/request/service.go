// Package request はサービスリクエスト管理のドメインロジックを提供する。
// 作成・一覧・取得・更新・削除の全操作で所有者チェックを行い、
// 書き込み成功後にリアルタイムイベントの配信と外部ミラーへの転記を行う。
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/servicedesk/internal/metrics"
	"github.com/hitoshi/servicedesk/internal/model"
	"github.com/hitoshi/servicedesk/internal/repository"
	"github.com/hitoshi/servicedesk/internal/security"
)

// Publisher は書き込み成功後のリアルタイムイベント配信インターフェース。
// realtime.Fanoutが満たす。
type Publisher interface {
	// RequestCreated は作成イベントを全接続に配信する。
	RequestCreated(req *model.ServiceRequest)
	// RequestUpdated は更新イベントを全接続と該当リクエストのルームに配信する。
	RequestUpdated(req *model.ServiceRequest)
	// RequestDeleted は削除イベント（IDのみ）を全接続に配信する。
	RequestDeleted(requestID string)
}

// Mirrorer は外部サポート基盤への非同期ミラーリングのインターフェース。
// mirror.Dispatcherが満たす。
type Mirrorer interface {
	RequestCreated(req *model.ServiceRequest, email string)
	RequestUpdated(req *model.ServiceRequest, email string)
	RequestDeleted(req *model.ServiceRequest)
}

// Service はサービスリクエスト管理のサービス層。
type Service struct {
	repo      repository.ServiceRequestRepository
	userRepo  repository.UserRepository
	sanitizer security.ContentSanitizerService
	publisher Publisher
	mirrorer  Mirrorer
	collector metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repo repository.ServiceRequestRepository,
	userRepo repository.UserRepository,
	sanitizer security.ContentSanitizerService,
	publisher Publisher,
	mirrorer Mirrorer,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		repo:      repo,
		userRepo:  userRepo,
		sanitizer: sanitizer,
		publisher: publisher,
		mirrorer:  mirrorer,
		collector: collector,
	}
}

// Create は新しいサービスリクエストを作成する。
// カテゴリは固定4種類のいずれか、本文はサニタイズ後に空でないことが必要。
// 作成成功後、作成イベントの配信とミラー転記をトリガーする。
func (s *Service) Create(ctx context.Context, userID, category, content string) (*model.ServiceRequest, error) {
	if !model.IsValidCategory(category) {
		return nil, model.NewInvalidCategoryError(category)
	}

	sanitized := s.sanitizer.Sanitize(content)
	if sanitized == "" {
		return nil, model.NewEmptyContentError()
	}

	// ミラー転記に所有者のメールアドレスが必要
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	now := time.Now()
	req := &model.ServiceRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Category:  model.RequestCategory(category),
		Content:   sanitized,
		Status:    model.StatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("サービスリクエストの作成に失敗しました: %w", err)
	}

	slog.Info("service request created",
		slog.String("request_id", req.ID),
		slog.String("user_id", userID),
		slog.String("category", category),
	)

	s.collector.RecordRequestCreated(category)
	s.publisher.RequestCreated(req)
	s.mirrorer.RequestCreated(req, user.Email)

	return req, nil
}

// List はユーザー自身のリクエスト一覧を作成日時降順で返す。
// categoryが空文字列以外の場合はそのカテゴリのみ返す。
// 無効なカテゴリはバリデーションエラーになる。
func (s *Service) List(ctx context.Context, userID, category string) ([]*model.ServiceRequest, error) {
	if category != "" && !model.IsValidCategory(category) {
		return nil, model.NewInvalidCategoryError(category)
	}

	requests, err := s.repo.ListByUser(ctx, userID, model.RequestCategory(category))
	if err != nil {
		return nil, fmt.Errorf("サービスリクエスト一覧の取得に失敗しました: %w", err)
	}

	return requests, nil
}

// Get は指定IDのリクエストを返す。
// 存在しない場合はREQUEST_NOT_FOUND、所有者以外の場合はNOT_AUTHORIZED。
func (s *Service) Get(ctx context.Context, userID, requestID string) (*model.ServiceRequest, error) {
	req, err := s.findOwned(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Update は指定IDのリクエストの本文を更新する。
// カテゴリとステータスは変更されない。versionはインクリメントされる。
// expectedVersionがnil以外の場合、現在のversionと一致しなければ
// VERSION_CONFLICTを返す（楽観的ロック）。
// 更新成功後、更新イベントの配信とミラー転記をトリガーする。
func (s *Service) Update(ctx context.Context, userID, requestID, content string, expectedVersion *int) (*model.ServiceRequest, error) {
	req, err := s.findOwned(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}

	sanitized := s.sanitizer.Sanitize(content)
	if sanitized == "" {
		return nil, model.NewEmptyContentError()
	}

	// versionガードはリポジトリのUPDATE文に組み込まれており、
	// ここで比較してから書き込む方式では並行更新時にすり抜けるため行わない。
	updated, err := s.repo.UpdateContent(ctx, requestID, sanitized, expectedVersion, time.Now())
	if errors.Is(err, repository.ErrVersionConflict) {
		actual := req.Version
		if current, ferr := s.repo.FindByID(ctx, requestID); ferr == nil && current != nil {
			actual = current.Version
		}
		return nil, model.NewVersionConflictError(*expectedVersion, actual)
	}
	if err != nil {
		return nil, fmt.Errorf("サービスリクエストの更新に失敗しました: %w", err)
	}
	if updated == nil {
		// 取得から更新までの間に削除された
		return nil, model.NewRequestNotFoundError()
	}

	slog.Info("service request updated",
		slog.String("request_id", requestID),
		slog.String("user_id", userID),
		slog.Int("version", updated.Version),
	)

	s.collector.RecordRequestUpdated()
	s.publisher.RequestUpdated(updated)

	if email := s.ownerEmail(ctx, userID); email != "" {
		s.mirrorer.RequestUpdated(updated, email)
	}

	return updated, nil
}

// Delete は指定IDのリクエストを削除する。
// 削除成功後、削除イベントの配信とミラー転記をトリガーする。
func (s *Service) Delete(ctx context.Context, userID, requestID string) error {
	req, err := s.findOwned(ctx, userID, requestID)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, requestID); err != nil {
		return fmt.Errorf("サービスリクエストの削除に失敗しました: %w", err)
	}

	slog.Info("service request deleted",
		slog.String("request_id", requestID),
		slog.String("user_id", userID),
	)

	s.collector.RecordRequestDeleted()
	s.publisher.RequestDeleted(requestID)
	s.mirrorer.RequestDeleted(req)

	return nil
}

// IsOwner は指定リクエストが指定ユーザーの所有かどうかを返す。
// リクエストが存在しない場合はfalseを返す。
// WebSocketのルーム参加時の所有者チェックに使用される。
func (s *Service) IsOwner(ctx context.Context, userID, requestID string) (bool, error) {
	req, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("サービスリクエストの取得に失敗しました: %w", err)
	}
	if req == nil {
		return false, nil
	}
	return req.UserID == userID, nil
}

// findOwned はリクエストを取得し、所有者チェックを行う。
func (s *Service) findOwned(ctx context.Context, userID, requestID string) (*model.ServiceRequest, error) {
	req, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("サービスリクエストの取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError()
	}
	if req.UserID != userID {
		return nil, model.NewNotAuthorizedError()
	}
	return req, nil
}

// ownerEmail はミラー転記用に所有者のメールアドレスを取得する。
// 取得失敗時は空文字列を返す（ミラーはベストエフォート）。
func (s *Service) ownerEmail(ctx context.Context, userID string) string {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil || user == nil {
		slog.Warn("ミラー転記用のユーザー取得に失敗しました",
			slog.String("user_id", userID),
		)
		return ""
	}
	return user.Email
}
