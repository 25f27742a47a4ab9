package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/servicedesk/internal/model"
)

// MemoryStore はインメモリのストレージ実装。
// 永続化なしで全リポジトリインターフェースを提供する。
// ローカル開発とテストで使用され、起動時に設定で選択される
// （ハンドラー内での動的なモード分岐は行わない）。
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*model.User
	identities map[string]*model.Identity // key: provider + "/" + providerUserID
	requests   map[string]*model.ServiceRequest
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*model.User),
		identities: make(map[string]*model.Identity),
		requests:   make(map[string]*model.ServiceRequest),
	}
}

func identityKey(provider, providerUserID string) string {
	return provider + "/" + providerUserID
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	u := *user
	return &u, nil
}

// CreateWithIdentity はユーザーとidentityをアトミックに作成する。
func (s *MemoryStore) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user already exists: %s", user.ID)
	}
	key := identityKey(identity.Provider, identity.ProviderUserID)
	if _, exists := s.identities[key]; exists {
		return fmt.Errorf("identity already exists: %s", key)
	}

	u := *user
	i := *identity
	s.users[u.ID] = &u
	s.identities[key] = &i
	return nil
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
// 見つからない場合はnilを返す。
func (s *MemoryStore) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[identityKey(provider, providerUserID)]
	if !ok {
		return nil, nil
	}
	i := *identity
	return &i, nil
}

// サービスリクエスト操作

// FindRequestByID は指定IDのリクエストを取得する。見つからない場合はnilを返す。
func (s *MemoryStore) FindRequestByID(ctx context.Context, id string) (*model.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	r := *req
	return &r, nil
}

// ListRequestsByUser はユーザーのリクエスト一覧を作成日時降順で返す。
func (s *MemoryStore) ListRequestsByUser(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []*model.ServiceRequest{}
	for _, req := range s.requests {
		if req.UserID != userID {
			continue
		}
		if category != "" && req.Category != category {
			continue
		}
		r := *req
		results = append(results, &r)
	}

	// 作成日時降順。同時刻の場合はID降順で安定化する。
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID > results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	return results, nil
}

// CreateRequest はリクエストを作成する。
func (s *MemoryStore) CreateRequest(ctx context.Context, req *model.ServiceRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("service request already exists: %s", req.ID)
	}
	r := *req
	s.requests[r.ID] = &r
	return nil
}

// UpdateRequestContent は本文とupdated_atを更新し、versionをインクリメントする。
// expectedVersion不一致の場合はErrVersionConflictを返す。
// 不一致チェックと更新は同一ロック内で行う。
func (s *MemoryStore) UpdateRequestContent(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	if expectedVersion != nil && req.Version != *expectedVersion {
		return nil, ErrVersionConflict
	}
	req.Content = content
	req.Version++
	req.UpdatedAt = updatedAt

	r := *req
	return &r, nil
}

// SetRequestConversationID は外部ミラーの会話IDを書き戻す。
// 対象レコードが既に削除されている場合は何もしない。
func (s *MemoryStore) SetRequestConversationID(ctx context.Context, id, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.requests[id]; ok {
		req.IntercomConversationID = conversationID
	}
	return nil
}

// DeleteRequest は指定IDのリクエストを削除する。存在しない場合はエラーを返す。
func (s *MemoryStore) DeleteRequest(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[id]; !ok {
		return fmt.Errorf("service request not found: %s", id)
	}
	delete(s.requests, id)
	return nil
}

// memoryRequestRepo はMemoryStoreをServiceRequestRepositoryに適合させる。
// MemoryStoreのメソッド名はユーザー系と衝突するため別名にしている。
type memoryRequestRepo struct {
	store *MemoryStore
}

// RequestRepo はServiceRequestRepositoryビューを返す。
func (s *MemoryStore) RequestRepo() ServiceRequestRepository {
	return &memoryRequestRepo{store: s}
}

func (r *memoryRequestRepo) FindByID(ctx context.Context, id string) (*model.ServiceRequest, error) {
	return r.store.FindRequestByID(ctx, id)
}

func (r *memoryRequestRepo) ListByUser(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error) {
	return r.store.ListRequestsByUser(ctx, userID, category)
}

func (r *memoryRequestRepo) Create(ctx context.Context, req *model.ServiceRequest) error {
	return r.store.CreateRequest(ctx, req)
}

func (r *memoryRequestRepo) UpdateContent(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
	return r.store.UpdateRequestContent(ctx, id, content, expectedVersion, updatedAt)
}

func (r *memoryRequestRepo) SetConversationID(ctx context.Context, id, conversationID string) error {
	return r.store.SetRequestConversationID(ctx, id, conversationID)
}

func (r *memoryRequestRepo) Delete(ctx context.Context, id string) error {
	return r.store.DeleteRequest(ctx, id)
}

// compile-time interface checks
var (
	_ UserRepository           = (*MemoryStore)(nil)
	_ IdentityRepository       = (*MemoryStore)(nil)
	_ ServiceRequestRepository = (*memoryRequestRepo)(nil)
)
