package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/servicedesk/internal/metrics"
	"github.com/hitoshi/servicedesk/internal/model"
	"github.com/hitoshi/servicedesk/internal/repository"
	"github.com/hitoshi/servicedesk/internal/security"
)

// --- モック ---

type mockRequestRepo struct {
	findByIDFunc          func(ctx context.Context, id string) (*model.ServiceRequest, error)
	listByUserFunc        func(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error)
	createFunc            func(ctx context.Context, req *model.ServiceRequest) error
	updateContentFunc     func(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error)
	setConversationIDFunc func(ctx context.Context, id, conversationID string) error
	deleteFunc            func(ctx context.Context, id string) error
}

func (m *mockRequestRepo) FindByID(ctx context.Context, id string) (*model.ServiceRequest, error) {
	return m.findByIDFunc(ctx, id)
}

func (m *mockRequestRepo) ListByUser(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error) {
	return m.listByUserFunc(ctx, userID, category)
}

func (m *mockRequestRepo) Create(ctx context.Context, req *model.ServiceRequest) error {
	return m.createFunc(ctx, req)
}

func (m *mockRequestRepo) UpdateContent(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
	return m.updateContentFunc(ctx, id, content, expectedVersion, updatedAt)
}

func (m *mockRequestRepo) SetConversationID(ctx context.Context, id, conversationID string) error {
	if m.setConversationIDFunc != nil {
		return m.setConversationIDFunc(ctx, id, conversationID)
	}
	return nil
}

func (m *mockRequestRepo) Delete(ctx context.Context, id string) error {
	return m.deleteFunc(ctx, id)
}

// compile-time interface check
var _ repository.ServiceRequestRepository = (*mockRequestRepo)(nil)

type mockUserRepo struct {
	findByIDFunc func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return &model.User{ID: id, Email: "user@example.com", Name: "Test User"}, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return nil
}

type mockPublisher struct {
	created []*model.ServiceRequest
	updated []*model.ServiceRequest
	deleted []string
}

func (m *mockPublisher) RequestCreated(req *model.ServiceRequest) { m.created = append(m.created, req) }
func (m *mockPublisher) RequestUpdated(req *model.ServiceRequest) { m.updated = append(m.updated, req) }
func (m *mockPublisher) RequestDeleted(requestID string)          { m.deleted = append(m.deleted, requestID) }

type mockMirrorer struct {
	created []*model.ServiceRequest
	updated []*model.ServiceRequest
	deleted []*model.ServiceRequest
}

func (m *mockMirrorer) RequestCreated(req *model.ServiceRequest, email string) {
	m.created = append(m.created, req)
}

func (m *mockMirrorer) RequestUpdated(req *model.ServiceRequest, email string) {
	m.updated = append(m.updated, req)
}

func (m *mockMirrorer) RequestDeleted(req *model.ServiceRequest) {
	m.deleted = append(m.deleted, req)
}

// --- テストヘルパー ---

type serviceFixture struct {
	service   *Service
	repo      *mockRequestRepo
	publisher *mockPublisher
	mirrorer  *mockMirrorer
}

func newServiceFixture(repo *mockRequestRepo) *serviceFixture {
	publisher := &mockPublisher{}
	mirrorer := &mockMirrorer{}
	service := NewService(
		repo,
		&mockUserRepo{},
		security.NewContentSanitizer(),
		publisher,
		mirrorer,
		metrics.NopCollector{},
	)
	return &serviceFixture{
		service:   service,
		repo:      repo,
		publisher: publisher,
		mirrorer:  mirrorer,
	}
}

func ownedRequest() *model.ServiceRequest {
	return &model.ServiceRequest{
		ID:        "req-1",
		UserID:    "user-1",
		Category:  model.CategoryGeneral,
		Content:   "original content",
		Status:    model.StatusOpen,
		Version:   1,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// --- Create ---

func TestService_Create_Success(t *testing.T) {
	var createdReq *model.ServiceRequest
	repo := &mockRequestRepo{
		createFunc: func(ctx context.Context, req *model.ServiceRequest) error {
			createdReq = req
			return nil
		},
	}
	f := newServiceFixture(repo)

	req, err := f.service.Create(context.Background(), "user-1", "General Queries", "My invoice shows the wrong amount.")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if createdReq == nil {
		t.Fatal("expected request to be persisted")
	}
	if req.ID == "" {
		t.Error("expected generated ID")
	}
	if req.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", req.UserID, "user-1")
	}
	if req.Category != model.CategoryGeneral {
		t.Errorf("Category = %q, want %q", req.Category, model.CategoryGeneral)
	}
	if req.Status != model.StatusOpen {
		t.Errorf("Status = %q, want %q", req.Status, model.StatusOpen)
	}
	if req.Version != 1 {
		t.Errorf("Version = %d, want 1", req.Version)
	}

	if len(f.publisher.created) != 1 {
		t.Errorf("created events = %d, want 1", len(f.publisher.created))
	}
	if len(f.mirrorer.created) != 1 {
		t.Errorf("mirror created = %d, want 1", len(f.mirrorer.created))
	}
}

func TestService_Create_InvalidCategory_ReturnsValidationError(t *testing.T) {
	f := newServiceFixture(&mockRequestRepo{})

	_, err := f.service.Create(context.Background(), "user-1", "Unknown Category", "content")
	if err == nil {
		t.Fatal("expected error for invalid category")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeValidation {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeValidation)
	}
	if len(f.publisher.created) != 0 {
		t.Error("no event should be published on validation failure")
	}
}

func TestService_Create_EmptyContent_ReturnsValidationError(t *testing.T) {
	f := newServiceFixture(&mockRequestRepo{})

	tests := []struct {
		name    string
		content string
	}{
		{"empty string", ""},
		{"whitespace only", "   "},
		{"markup only", "<script>alert(1)</script>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Create(context.Background(), "user-1", "General Queries", tt.content)
			if err == nil {
				t.Fatal("expected error for empty content")
			}

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %T", err)
			}
			if apiErr.Code != model.ErrCodeValidation {
				t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeValidation)
			}
		})
	}
}

func TestService_Create_SanitizesContent(t *testing.T) {
	var createdReq *model.ServiceRequest
	repo := &mockRequestRepo{
		createFunc: func(ctx context.Context, req *model.ServiceRequest) error {
			createdReq = req
			return nil
		},
	}
	f := newServiceFixture(repo)

	_, err := f.service.Create(context.Background(), "user-1", "General Queries", `Need <script>alert(1)</script>help`)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if createdReq.Content != "Need help" {
		t.Errorf("Content = %q, want %q", createdReq.Content, "Need help")
	}
}

func TestService_Create_UserNotFound_ReturnsError(t *testing.T) {
	publisher := &mockPublisher{}
	service := NewService(
		&mockRequestRepo{},
		&mockUserRepo{
			findByIDFunc: func(ctx context.Context, id string) (*model.User, error) {
				return nil, nil
			},
		},
		security.NewContentSanitizer(),
		publisher,
		&mockMirrorer{},
		metrics.NopCollector{},
	)

	_, err := service.Create(context.Background(), "ghost", "General Queries", "content")
	if err == nil {
		t.Fatal("expected error for missing user")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeUserNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeUserNotFound)
	}
}

func TestService_Create_RepoFailure_NoEventPublished(t *testing.T) {
	repo := &mockRequestRepo{
		createFunc: func(ctx context.Context, req *model.ServiceRequest) error {
			return errors.New("db error")
		},
	}
	f := newServiceFixture(repo)

	if _, err := f.service.Create(context.Background(), "user-1", "General Queries", "content"); err == nil {
		t.Fatal("expected error for repo failure")
	}

	if len(f.publisher.created) != 0 {
		t.Error("no event should be published when persistence fails")
	}
	if len(f.mirrorer.created) != 0 {
		t.Error("no mirror job should be enqueued when persistence fails")
	}
}

// --- List ---

func TestService_List_PassesCategoryFilter(t *testing.T) {
	var gotUserID string
	var gotCategory model.RequestCategory
	repo := &mockRequestRepo{
		listByUserFunc: func(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error) {
			gotUserID = userID
			gotCategory = category
			return []*model.ServiceRequest{ownedRequest()}, nil
		},
	}
	f := newServiceFixture(repo)

	requests, err := f.service.List(context.Background(), "user-1", "Product Pricing Queries")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(requests) != 1 {
		t.Errorf("len(requests) = %d, want 1", len(requests))
	}
	if gotUserID != "user-1" {
		t.Errorf("userID = %q, want %q", gotUserID, "user-1")
	}
	if gotCategory != model.CategoryPricing {
		t.Errorf("category = %q, want %q", gotCategory, model.CategoryPricing)
	}
}

func TestService_List_EmptyCategory_ListsAll(t *testing.T) {
	var gotCategory model.RequestCategory = "sentinel"
	repo := &mockRequestRepo{
		listByUserFunc: func(ctx context.Context, userID string, category model.RequestCategory) ([]*model.ServiceRequest, error) {
			gotCategory = category
			return nil, nil
		},
	}
	f := newServiceFixture(repo)

	if _, err := f.service.List(context.Background(), "user-1", ""); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if gotCategory != "" {
		t.Errorf("category = %q, want empty", gotCategory)
	}
}

func TestService_List_InvalidCategory_ReturnsValidationError(t *testing.T) {
	f := newServiceFixture(&mockRequestRepo{})

	_, err := f.service.List(context.Background(), "user-1", "Nonsense")
	if err == nil {
		t.Fatal("expected error for invalid category")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeValidation {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeValidation)
	}
}

// --- Get ---

func TestService_Get_Success(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return ownedRequest(), nil
		},
	}
	f := newServiceFixture(repo)

	req, err := f.service.Get(context.Background(), "user-1", "req-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if req.ID != "req-1" {
		t.Errorf("ID = %q, want %q", req.ID, "req-1")
	}
}

func TestService_Get_NotFound(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return nil, nil
		},
	}
	f := newServiceFixture(repo)

	_, err := f.service.Get(context.Background(), "user-1", "missing")
	if err == nil {
		t.Fatal("expected error for missing request")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeRequestNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeRequestNotFound)
	}
}

func TestService_Get_NotOwner_ReturnsNotAuthorized(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return ownedRequest(), nil
		},
	}
	f := newServiceFixture(repo)

	_, err := f.service.Get(context.Background(), "other-user", "req-1")
	if err == nil {
		t.Fatal("expected error for non-owner access")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeNotAuthorized {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeNotAuthorized)
	}
}

// --- Update ---

func TestService_Update_Success(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return ownedRequest(), nil
		},
		updateContentFunc: func(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
			if expectedVersion != nil {
				t.Errorf("expectedVersion = %v, want nil", *expectedVersion)
			}
			req := ownedRequest()
			req.Content = content
			req.Version = 2
			req.UpdatedAt = updatedAt
			return req, nil
		},
	}
	f := newServiceFixture(repo)

	updated, err := f.service.Update(context.Background(), "user-1", "req-1", "corrected content", nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.Content != "corrected content" {
		t.Errorf("Content = %q, want %q", updated.Content, "corrected content")
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	if len(f.publisher.updated) != 1 {
		t.Errorf("updated events = %d, want 1", len(f.publisher.updated))
	}
	if len(f.mirrorer.updated) != 1 {
		t.Errorf("mirror updated = %d, want 1", len(f.mirrorer.updated))
	}
}

func TestService_Update_NotOwner_ReturnsNotAuthorized(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return ownedRequest(), nil
		},
	}
	f := newServiceFixture(repo)

	_, err := f.service.Update(context.Background(), "other-user", "req-1", "new content", nil)
	if err == nil {
		t.Fatal("expected error for non-owner update")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeNotAuthorized {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeNotAuthorized)
	}
}

func TestService_Update_VersionConflict(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			req := ownedRequest()
			req.Version = 3
			return req, nil
		},
		updateContentFunc: func(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
			return nil, repository.ErrVersionConflict
		},
	}
	f := newServiceFixture(repo)

	stale := 2
	_, err := f.service.Update(context.Background(), "user-1", "req-1", "new content", &stale)
	if err == nil {
		t.Fatal("expected version conflict error")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeVersionConflict {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeVersionConflict)
	}
}

func TestService_Update_MatchingVersion_Succeeds(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			req := ownedRequest()
			req.Version = 3
			return req, nil
		},
		updateContentFunc: func(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
			if expectedVersion == nil || *expectedVersion != 3 {
				t.Errorf("expectedVersion = %v, want 3", expectedVersion)
			}
			req := ownedRequest()
			req.Content = content
			req.Version = 4
			return req, nil
		},
	}
	f := newServiceFixture(repo)

	expected := 3
	updated, err := f.service.Update(context.Background(), "user-1", "req-1", "new content", &expected)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Version != 4 {
		t.Errorf("Version = %d, want 4", updated.Version)
	}
}

// 同一のexpected_versionを持つ2つの更新が並行して走った場合、
// 成功するのは片方だけで、もう片方はVERSION_CONFLICTになることを検証する。
// versionガードがストアの書き込みと同一アトミック操作で行われないと、
// 両方が成功して片方の編集が黙って失われる。
func TestService_Update_ConcurrentSameVersion_OnlyOneSucceeds(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	if err := store.RequestRepo().Create(ctx, ownedRequest()); err != nil {
		t.Fatal(err)
	}

	publisher := &mockPublisher{}
	mirrorer := &mockMirrorer{}
	service := NewService(
		store.RequestRepo(),
		&mockUserRepo{},
		security.NewContentSanitizer(),
		publisher,
		mirrorer,
		metrics.NopCollector{},
	)

	expected := 1
	results := make(chan error, 2)
	for _, content := range []string{"edit-A", "edit-B"} {
		go func(content string) {
			_, err := service.Update(ctx, "user-1", "req-1", content, &expected)
			results <- err
		}(content)
	}

	var conflicts, successes int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			successes++
			continue
		}
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeVersionConflict {
			t.Fatalf("unexpected error: %v", err)
		}
		conflicts++
	}

	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d, want exactly one of each", successes, conflicts)
	}

	final, err := store.FindRequestByID(ctx, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Version != 2 {
		t.Errorf("final Version = %d, want 2 (single applied update)", final.Version)
	}
}

func TestService_Update_DeletedConcurrently_ReturnsNotFound(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return ownedRequest(), nil
		},
		updateContentFunc: func(ctx context.Context, id, content string, expectedVersion *int, updatedAt time.Time) (*model.ServiceRequest, error) {
			return nil, nil
		},
	}
	f := newServiceFixture(repo)

	_, err := f.service.Update(context.Background(), "user-1", "req-1", "new content", nil)
	if err == nil {
		t.Fatal("expected error when request vanished mid-update")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeRequestNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeRequestNotFound)
	}
}

// --- Delete ---

func TestService_Delete_Success(t *testing.T) {
	deleted := false
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			req := ownedRequest()
			req.IntercomConversationID = "conv-1"
			return req, nil
		},
		deleteFunc: func(ctx context.Context, id string) error {
			deleted = true
			return nil
		},
	}
	f := newServiceFixture(repo)

	if err := f.service.Delete(context.Background(), "user-1", "req-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if !deleted {
		t.Error("expected repo delete to be called")
	}
	if len(f.publisher.deleted) != 1 || f.publisher.deleted[0] != "req-1" {
		t.Errorf("deleted events = %v, want [req-1]", f.publisher.deleted)
	}
	if len(f.mirrorer.deleted) != 1 {
		t.Errorf("mirror deleted = %d, want 1", len(f.mirrorer.deleted))
	}
}

func TestService_Delete_NotFound(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return nil, nil
		},
	}
	f := newServiceFixture(repo)

	err := f.service.Delete(context.Background(), "user-1", "missing")
	if err == nil {
		t.Fatal("expected error for missing request")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeRequestNotFound {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeRequestNotFound)
	}
}

func TestService_Delete_NotOwner_ReturnsNotAuthorized(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			return ownedRequest(), nil
		},
	}
	f := newServiceFixture(repo)

	err := f.service.Delete(context.Background(), "other-user", "req-1")
	if err == nil {
		t.Fatal("expected error for non-owner delete")
	}

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != model.ErrCodeNotAuthorized {
		t.Errorf("Code = %q, want %q", apiErr.Code, model.ErrCodeNotAuthorized)
	}
}

// --- IsOwner ---

func TestService_IsOwner(t *testing.T) {
	repo := &mockRequestRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.ServiceRequest, error) {
			if id == "req-1" {
				return ownedRequest(), nil
			}
			return nil, nil
		},
	}
	f := newServiceFixture(repo)

	tests := []struct {
		name      string
		userID    string
		requestID string
		want      bool
	}{
		{"owner", "user-1", "req-1", true},
		{"not owner", "other-user", "req-1", false},
		{"missing request", "user-1", "missing", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.service.IsOwner(context.Background(), tt.userID, tt.requestID)
			if err != nil {
				t.Fatalf("IsOwner failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsOwner = %v, want %v", got, tt.want)
			}
		})
	}
}
