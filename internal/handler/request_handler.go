package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/servicedesk/internal/middleware"
	"github.com/hitoshi/servicedesk/internal/model"
)

// RequestServiceInterface はサービスリクエストハンドラーが必要とするサービスインターフェース。
type RequestServiceInterface interface {
	Create(ctx context.Context, userID, category, content string) (*model.ServiceRequest, error)
	List(ctx context.Context, userID, category string) ([]*model.ServiceRequest, error)
	Get(ctx context.Context, userID, requestID string) (*model.ServiceRequest, error)
	Update(ctx context.Context, userID, requestID, content string, expectedVersion *int) (*model.ServiceRequest, error)
	Delete(ctx context.Context, userID, requestID string) error
}

// RequestHandler はサービスリクエスト管理のHTTPハンドラー。
type RequestHandler struct {
	service RequestServiceInterface
}

// NewRequestHandler はRequestHandlerを生成する。
func NewRequestHandler(service RequestServiceInterface) *RequestHandler {
	return &RequestHandler{
		service: service,
	}
}

// createRequestBody はサービスリクエスト作成リクエストのボディ。
type createRequestBody struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

// updateRequestBody はサービスリクエスト更新リクエストのボディ。
// ExpectedVersionは任意。指定された場合は楽観的ロックとして検証される。
type updateRequestBody struct {
	Content         string `json:"content"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
}

// Create はサービスリクエストを作成する。
// POST /api/service-requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  "Invalid request body",
			Category: "validation",
			Action:   "Send a JSON body with category and content.",
		})
		return
	}

	req, err := h.service.Create(r.Context(), userID, body.Category, body.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// List はユーザー自身のサービスリクエスト一覧を返す。
// categoryクエリパラメータでの絞り込みに対応する。
// GET /api/service-requests?category=xxx
func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	category := r.URL.Query().Get("category")

	requests, err := h.service.List(r.Context(), userID, category)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 0件でもnullではなく空配列を返す
	if requests == nil {
		requests = []*model.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// ListByCategory は指定カテゴリのサービスリクエスト一覧を返す。
// GET /api/service-requests/category/{category}
func (h *RequestHandler) ListByCategory(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	// カテゴリ名は空白を含むため、URLエンコードされたパスセグメントをデコードする
	category := chi.URLParam(r, "category")
	if decoded, err := url.PathUnescape(category); err == nil {
		category = decoded
	}

	requests, err := h.service.List(r.Context(), userID, category)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if requests == nil {
		requests = []*model.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

// Get は指定IDのサービスリクエストを返す。
// GET /api/service-requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	requestID := chi.URLParam(r, "id")

	req, err := h.service.Get(r.Context(), userID, requestID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

// Update は指定IDのサービスリクエストの本文を更新する。
// PUT /api/service-requests/{id}
func (h *RequestHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	requestID := chi.URLParam(r, "id")

	var body updateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  "Invalid request body",
			Category: "validation",
			Action:   "Send a JSON body with content.",
		})
		return
	}

	req, err := h.service.Update(r.Context(), userID, requestID, body.Content, body.ExpectedVersion)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

// Delete は指定IDのサービスリクエストを削除する。
// DELETE /api/service-requests/{id}
func (h *RequestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	requestID := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), userID, requestID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeMessage(w, http.StatusOK, "Service request removed")
}
