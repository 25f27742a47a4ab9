// Package model はドメインモデルを定義する。
package model

import "time"

// RequestCategory はサービスリクエストのカテゴリを表す。
// 固定の4種類のみが有効。
type RequestCategory string

const (
	CategoryGeneral        RequestCategory = "General Queries"
	CategoryFeatures       RequestCategory = "Product Features Queries"
	CategoryPricing        RequestCategory = "Product Pricing Queries"
	CategoryImplementation RequestCategory = "Product Feature Implementation Requests"
)

// Categories は有効なカテゴリの一覧を返す。
func Categories() []RequestCategory {
	return []RequestCategory{
		CategoryGeneral,
		CategoryFeatures,
		CategoryPricing,
		CategoryImplementation,
	}
}

// IsValidCategory は指定文字列が有効なカテゴリかどうかを判定する。
func IsValidCategory(s string) bool {
	switch RequestCategory(s) {
	case CategoryGeneral, CategoryFeatures, CategoryPricing, CategoryImplementation:
		return true
	}
	return false
}

// RequestStatus はサービスリクエストの状態を表す。
// 作成時はOpen。本システムのエンドポイントからは変更されない
// （状態遷移はサポート担当側システムの管轄）。
type RequestStatus string

const (
	StatusOpen       RequestStatus = "Open"
	StatusInProgress RequestStatus = "In Progress"
	StatusResolved   RequestStatus = "Resolved"
	StatusClosed     RequestStatus = "Closed"
)

// ServiceRequest はユーザーが提出したサポートリクエストを表す。
// 所有者のみが参照・変更・削除できる。
type ServiceRequest struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"user_id"`
	Category               RequestCategory `json:"category"`
	Content                string          `json:"content"`
	Status                 RequestStatus   `json:"status"`
	IntercomConversationID string          `json:"intercom_conversation_id,omitempty"`
	Version                int             `json:"version"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}
