package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait はピアへの書き込み完了を待つ最大時間。
	writeWait = 10 * time.Second
	// pongWait はピアからのpong応答を待つ最大時間。
	pongWait = 60 * time.Second
	// pingPeriod はピアへのping送信間隔。pongWaitより短いこと。
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize はピアから受け付けるメッセージの最大サイズ。
	maxMessageSize = 1024
	// sendBufferSize はクライアントごとの送信バッファ数。
	// バッファが満杯のクライアント（遅い消費者）へのメッセージは破棄される。
	sendBufferSize = 64
	// ownershipCheckTimeout はルーム参加時の所有者チェックのタイムアウト。
	ownershipCheckTimeout = 5 * time.Second
)

// OwnershipChecker はルーム参加時の所有者チェックのインターフェース。
// request.Serviceが満たす。
type OwnershipChecker interface {
	IsOwner(ctx context.Context, userID, requestID string) (bool, error)
}

// RoomForRequest は指定リクエストの更新イベントを配信するルーム名を返す。
func RoomForRequest(requestID string) string {
	return "request-" + requestID
}

// clientAction はピアから受信するメッセージ。
// joinServiceRequest / leaveServiceRequest の2種類のアクションを受け付ける。
type clientAction struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

// Client はハブとWebSocket接続の仲介を行う。
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	checker OwnershipChecker
	logger  *slog.Logger

	// joined は参加中ルームの集合。ハブのゴルーチンのみが触る。
	joined map[string]bool
}

// NewClient はClientを生成する。
// 生成後、呼び出し側はhubへの登録とReadPump/WritePumpの起動を行うこと。
func NewClient(hub *Hub, conn *websocket.Conn, userID string, checker OwnershipChecker, logger *slog.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		userID:  userID,
		checker: checker,
		logger:  logger,
		joined:  make(map[string]bool),
	}
}

// trySend は送信バッファにペイロードを積む。
// バッファが満杯の場合は破棄する（遅い消費者が全体の配信を止めないため）。
func (c *Client) trySend(payload []byte) {
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("送信バッファが満杯のためメッセージを破棄しました",
			slog.String("user_id", c.userID),
		)
	}
}

// ReadPump はピアからのメッセージを読み続ける。
// 接続ごとに1つのゴルーチンで実行され、切断時にハブから登録解除する。
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage はピアから受信した1件のアクションを処理する。
// 不正なメッセージは無視する。
func (c *Client) handleMessage(message []byte) {
	var action clientAction
	if err := json.Unmarshal(message, &action); err != nil {
		c.logger.Debug("不正なwebsocketメッセージを無視しました",
			slog.String("user_id", c.userID),
		)
		return
	}
	if action.ID == "" {
		return
	}

	switch action.Action {
	case "joinServiceRequest":
		// 所有者のみがリクエストのルームに参加できる
		ctx, cancel := context.WithTimeout(context.Background(), ownershipCheckTimeout)
		owner, err := c.checker.IsOwner(ctx, c.userID, action.ID)
		cancel()
		if err != nil {
			c.logger.Warn("ルーム参加時の所有者チェックに失敗しました",
				slog.String("user_id", c.userID),
				slog.String("request_id", action.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !owner {
			c.logger.Warn("所有者以外によるルーム参加を拒否しました",
				slog.String("user_id", c.userID),
				slog.String("request_id", action.ID),
			)
			return
		}
		c.hub.Join(c, RoomForRequest(action.ID))

	case "leaveServiceRequest":
		c.hub.Leave(c, RoomForRequest(action.ID))
	}
}

// WritePump は送信バッファのメッセージをピアへ書き続ける。
// 接続ごとに1つのゴルーチンで実行され、定期的にpingを送信する。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// ハブが接続を閉じた
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
