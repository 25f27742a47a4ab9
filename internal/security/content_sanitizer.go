// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はサービスリクエストの本文をサニタイズし、
// XSS攻撃などのセキュリティリスクからユーザーを保護する。
// リクエスト本文はプレーンテキストとして扱うため、
// bluemondayのStrictPolicyで全てのHTMLタグを除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はリクエスト本文のサニタイズ機能のインターフェースを定義する。
// サービスリクエストの保存前（作成時・更新時）に使用される。
type ContentSanitizerService interface {
	// Sanitize は本文からHTMLタグをすべて除去し、プレーンテキストを返す。
	// script, iframe, style等のタグおよびon*イベント属性を含む
	// あらゆるマークアップが除去される。
	// 前後の空白はトリムされる。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはタグを一切許可しないため、入力はテキストのみになる。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は本文からHTMLタグをすべて除去し、プレーンテキストを返す。
// StrictPolicyは出力をHTMLエンティティでエスケープするため、
// プレーンテキストとして保存できるようアンエスケープして返す。
func (s *contentSanitizer) Sanitize(raw string) string {
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
