// Package mirror はサービスリクエストの外部カスタマーサポート基盤への
// ベストエフォートなミラーリングを提供する。
// ミラー先の障害がリクエストAPI本体の成否に影響しないよう、
// 書き込みは非同期ディスパッチャ経由で行われる。
package mirror

import "context"

// Mirror は外部サポート基盤への会話ミラーリングのインターフェース。
// 現在の実装はIntercomとnoop（ミラー無効時）の2種類。
type Mirror interface {
	// CreateConversation はユーザー起点の新規会話を作成し、会話IDを返す。
	CreateConversation(ctx context.Context, email, category, content string) (string, error)

	// Reply は既存会話にユーザーの返信を追加する。
	Reply(ctx context.Context, conversationID, email, body string) error

	// AdminNote は既存会話に管理者の内部ノートを追加する。
	AdminNote(ctx context.Context, conversationID, body string) error
}

// NoopMirror は何もしないMirror実装。
// ミラー連携が無効な構成（INTERCOM_ACCESS_TOKEN未設定）で使用される。
type NoopMirror struct{}

// compile-time interface check
var _ Mirror = (*NoopMirror)(nil)

// NewNoopMirror はNoopMirrorを生成する。
func NewNoopMirror() *NoopMirror {
	return &NoopMirror{}
}

// CreateConversation は何もせず空の会話IDを返す。
func (m *NoopMirror) CreateConversation(ctx context.Context, email, category, content string) (string, error) {
	return "", nil
}

// Reply は何もしない。
func (m *NoopMirror) Reply(ctx context.Context, conversationID, email, body string) error {
	return nil
}

// AdminNote は何もしない。
func (m *NoopMirror) AdminNote(ctx context.Context, conversationID, body string) error {
	return nil
}
