package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// DefaultIntercomBaseURL はIntercom REST APIのベースURL。
	// 起動時にegressガードで検証した上で使用する。
	DefaultIntercomBaseURL = "https://api.intercom.io"
	// intercomAPIVersion はIntercom-Versionヘッダーで固定するAPIバージョン。
	intercomAPIVersion = "2.11"
)

// IntercomClient はIntercom REST APIのクライアント。
// 会話の作成・返信・内部ノートの追加を行う。
type IntercomClient struct {
	httpClient  *http.Client
	logger      *slog.Logger
	accessToken string
	adminID     string
	baseURL     string // テスト用にエンドポイントを差し替え可能
}

// compile-time interface check
var _ Mirror = (*IntercomClient)(nil)

// NewIntercomClient はIntercomClientの新しいインスタンスを生成する。
// httpClientにはsecurity.EgressGuardServiceが生成したクライアントを渡すこと。
func NewIntercomClient(httpClient *http.Client, logger *slog.Logger, accessToken, adminID string) *IntercomClient {
	return &IntercomClient{
		httpClient:  httpClient,
		logger:      logger,
		accessToken: accessToken,
		adminID:     adminID,
		baseURL:     DefaultIntercomBaseURL,
	}
}

// createConversationResponse はPOST /conversationsのレスポンス。
type createConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// CreateConversation はユーザー起点の新規会話を作成し、会話IDを返す。
// 本文は「Category: <カテゴリ>」の行と本文を空行で連結した形式。
func (c *IntercomClient) CreateConversation(ctx context.Context, email, category, content string) (string, error) {
	payload := map[string]interface{}{
		"from": map[string]string{
			"type":  "user",
			"email": email,
		},
		"body": fmt.Sprintf("Category: %s\n\n%s", category, content),
	}

	body, err := c.post(ctx, "/conversations", payload)
	if err != nil {
		return "", err
	}

	var result createConversationResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("Intercomレスポンスのパースに失敗しました: %w", err)
	}
	if result.ConversationID == "" {
		return "", fmt.Errorf("Intercomレスポンスにconversation_idが含まれていません")
	}

	return result.ConversationID, nil
}

// Reply は既存会話にユーザーの返信コメントを追加する。
func (c *IntercomClient) Reply(ctx context.Context, conversationID, email, body string) error {
	payload := map[string]interface{}{
		"message_type": "comment",
		"type":         "user",
		"email":        email,
		"body":         body,
	}

	_, err := c.post(ctx, "/conversations/"+conversationID+"/reply", payload)
	return err
}

// AdminNote は既存会話に管理者の内部ノートを追加する。
// ノートはエンドユーザーには表示されない。
func (c *IntercomClient) AdminNote(ctx context.Context, conversationID, body string) error {
	payload := map[string]interface{}{
		"message_type": "note",
		"type":         "admin",
		"admin_id":     c.adminID,
		"body":         body,
	}

	_, err := c.post(ctx, "/conversations/"+conversationID+"/reply", payload)
	return err
}

// post はIntercom APIへJSONをPOSTし、レスポンスボディを返す。
func (c *IntercomClient) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Intercom-Version", intercomAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Intercom APIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Intercom APIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("Intercom APIがステータス %d を返しました", resp.StatusCode)
	}

	return body, nil
}
