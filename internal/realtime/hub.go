// Package realtime はWebSocketによるサービスリクエストイベントの
// リアルタイム配信を提供する。
// 接続とルームの状態は単一のハブゴルーチンが所有し、
// 登録・参加・配信はすべてチャネル経由で直列化される。
package realtime

import (
	"context"
	"log/slog"

	"github.com/hitoshi/servicedesk/internal/metrics"
)

// roomMessage はルーム宛て配信の内部コマンド。
type roomMessage struct {
	room    string
	payload []byte
}

// joinRequest はルーム参加・離脱の内部コマンド。
type joinRequest struct {
	client *Client
	room   string
}

// Hub は全WebSocket接続とルームの状態を管理する。
// 状態を触るのはRunのゴルーチンのみで、ロックは不要。
type Hub struct {
	clients map[*Client]bool
	// rooms はルーム名から参加中クライアント集合へのマップ。
	// 空になったルームは削除される。
	rooms map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	leave      chan joinRequest
	broadcast  chan []byte
	toRoom     chan roomMessage
	// done はRunの終了時に閉じられる。
	// ループ停止後のチャネル送信が永久にブロックしないよう、
	// 各公開メソッドはdoneとのselectで送信する。
	done chan struct{}

	logger    *slog.Logger
	collector metrics.MetricsCollector
}

// NewHub はHubを生成する。Runを呼ぶまで配信は行われない。
func NewHub(logger *slog.Logger, collector metrics.MetricsCollector) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinRequest),
		leave:      make(chan joinRequest),
		broadcast:  make(chan []byte, 64),
		toRoom:     make(chan roomMessage, 64),
		done:       make(chan struct{}),
		logger:     logger,
		collector:  collector,
	}
}

// Run はハブのイベントループを実行する。
// ctxのキャンセルで全クライアントを切断して終了する。
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.removeClient(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.collector.IncWebsocketConnections()
			h.logger.Debug("websocket client registered",
				slog.String("user_id", client.userID),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.removeClient(client)
			}

		case req := <-h.join:
			if _, ok := h.clients[req.client]; !ok {
				continue
			}
			if h.rooms[req.room] == nil {
				h.rooms[req.room] = make(map[*Client]bool)
			}
			h.rooms[req.room][req.client] = true
			req.client.joined[req.room] = true

		case req := <-h.leave:
			h.leaveRoom(req.client, req.room)

		case payload := <-h.broadcast:
			for client := range h.clients {
				client.trySend(payload)
			}

		case msg := <-h.toRoom:
			for client := range h.rooms[msg.room] {
				client.trySend(msg.payload)
			}
		}
	}
}

// removeClient はクライアントを全ルームとハブから取り除き、送信チャネルを閉じる。
func (h *Hub) removeClient(client *Client) {
	for room := range client.joined {
		h.leaveRoom(client, room)
	}
	delete(h.clients, client)
	close(client.send)
	h.collector.DecWebsocketConnections()
	h.logger.Debug("websocket client unregistered",
		slog.String("user_id", client.userID),
	)
}

// leaveRoom はクライアントをルームから取り除く。
func (h *Hub) leaveRoom(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.joined, room)
}

// Register はクライアントをハブに登録する。
// Runの終了後は何もしない。
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister はクライアントをハブから登録解除する。
// Runの終了後は何もしない。
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Join はクライアントをルームに参加させる。
// 所有者チェックは呼び出し側（Clientのメッセージ処理）で行う。
func (h *Hub) Join(client *Client, room string) {
	select {
	case h.join <- joinRequest{client: client, room: room}:
	case <-h.done:
	}
}

// Leave はクライアントをルームから離脱させる。
func (h *Hub) Leave(client *Client, room string) {
	select {
	case h.leave <- joinRequest{client: client, room: room}:
	case <-h.done:
	}
}

// Broadcast は全接続にペイロードを配信する。
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// BroadcastRoom は指定ルームの参加者にペイロードを配信する。
func (h *Hub) BroadcastRoom(room string, payload []byte) {
	select {
	case h.toRoom <- roomMessage{room: room, payload: payload}:
	case <-h.done:
	}
}
