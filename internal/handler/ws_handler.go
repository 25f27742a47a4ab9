package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/servicedesk/internal/middleware"
	"github.com/hitoshi/servicedesk/internal/realtime"
)

// WSHandler はWebSocket接続のアップグレードと認証を行うハンドラー。
// ブラウザのWebSocket APIはカスタムヘッダーを送れないため、
// トークンはクエリパラメータで受け取る。
type WSHandler struct {
	hub      *realtime.Hub
	verifier middleware.TokenVerifier
	checker  realtime.OwnershipChecker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler はWSHandlerを生成する。
// allowedOriginはブラウザからの接続時のOriginヘッダー検証に使用する。
func NewWSHandler(
	hub *realtime.Hub,
	verifier middleware.TokenVerifier,
	checker realtime.OwnershipChecker,
	logger *slog.Logger,
	allowedOrigin string,
) *WSHandler {
	return &WSHandler{
		hub:      hub,
		verifier: verifier,
		checker:  checker,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Originヘッダー無し（非ブラウザクライアント）は許可
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// Serve はWebSocket接続を確立する。
// GET /ws?token=<JWT>
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeUnauthorized(w)
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		writeUnauthorized(w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeはエラーレスポンスを書き込み済み
		h.logger.Warn("websocket upgrade failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	client := realtime.NewClient(h.hub, conn, userID, h.checker, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
