package realtime

import (
	"encoding/json"
	"log/slog"

	"github.com/hitoshi/servicedesk/internal/metrics"
	"github.com/hitoshi/servicedesk/internal/model"
)

// 配信イベント名。
const (
	EventRequestNew    = "serviceRequest:new"
	EventRequestUpdate = "serviceRequest:update"
	EventRequestDelete = "serviceRequest:delete"
)

// envelope は配信メッセージの外側のフォーマット。
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// deletePayload は削除イベントのデータ部。IDのみを含む。
type deletePayload struct {
	ID string `json:"id"`
}

// Fanout は書き込み成功後のイベントをハブ経由で配信する。
// request.ServiceのPublisherとして注入される。
type Fanout struct {
	hub       *Hub
	logger    *slog.Logger
	collector metrics.MetricsCollector
}

// NewFanout はFanoutを生成する。
func NewFanout(hub *Hub, logger *slog.Logger, collector metrics.MetricsCollector) *Fanout {
	return &Fanout{
		hub:       hub,
		logger:    logger,
		collector: collector,
	}
}

// RequestCreated は作成イベントを全接続に配信する。
// データ部はレコード全体。
func (f *Fanout) RequestCreated(req *model.ServiceRequest) {
	payload, ok := f.marshal(EventRequestNew, req)
	if !ok {
		return
	}
	f.hub.Broadcast(payload)
	f.collector.RecordEventPublished(EventRequestNew)
}

// RequestUpdated は更新イベントを全接続と該当リクエストのルームに配信する。
// データ部は更新後のレコード全体。
func (f *Fanout) RequestUpdated(req *model.ServiceRequest) {
	payload, ok := f.marshal(EventRequestUpdate, req)
	if !ok {
		return
	}
	f.hub.Broadcast(payload)
	f.hub.BroadcastRoom(RoomForRequest(req.ID), payload)
	f.collector.RecordEventPublished(EventRequestUpdate)
}

// RequestDeleted は削除イベントを全接続に配信する。
// データ部はIDのみ。
func (f *Fanout) RequestDeleted(requestID string) {
	payload, ok := f.marshal(EventRequestDelete, deletePayload{ID: requestID})
	if !ok {
		return
	}
	f.hub.Broadcast(payload)
	f.collector.RecordEventPublished(EventRequestDelete)
}

// marshal はイベントをエンベロープに包んでJSONにする。
func (f *Fanout) marshal(event string, data interface{}) ([]byte, bool) {
	payload, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		f.logger.Error("イベントのエンコードに失敗しました",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return payload, true
}
