package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/servicedesk/internal/metrics"
	"github.com/hitoshi/servicedesk/internal/model"
)

// ConversationIDWriter はミラー作成後に会話IDをレコードへ書き戻すインターフェース。
// repository.ServiceRequestRepositoryが満たす。
type ConversationIDWriter interface {
	SetConversationID(ctx context.Context, id, conversationID string) error
}

// mirrorJob はディスパッチャのワーカーが実行する1件のミラー処理。
type mirrorJob struct {
	operation string
	run       func(ctx context.Context) error
}

// Dispatcher はミラー書き込みを非同期に実行するディスパッチャ。
// リクエストAPIのレスポンスタイムとトランザクション成否を
// 外部サービスの状態から切り離すため、ジョブは有限キューに積まれ、
// 単一のワーカーゴルーチンが順次実行する。
// キューが満杯の場合ジョブは破棄される（ベストエフォート）。
// ミラー失敗はログとメトリクスに記録され、呼び出し元には伝播しない。
type Dispatcher struct {
	mirror    Mirror
	writer    ConversationIDWriter
	logger    *slog.Logger
	collector metrics.MetricsCollector
	timeout   time.Duration

	jobs chan mirrorJob
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewDispatcher はDispatcherを生成し、ワーカーゴルーチンを起動する。
// queueSizeが0以下の場合は256を使用する。
func NewDispatcher(
	m Mirror,
	writer ConversationIDWriter,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	queueSize int,
	timeout time.Duration,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := &Dispatcher{
		mirror:    m,
		writer:    writer,
		logger:    logger,
		collector: collector,
		timeout:   timeout,
		jobs:      make(chan mirrorJob, queueSize),
		done:      make(chan struct{}),
	}

	d.wg.Add(1)
	go d.worker()

	return d
}

// worker はキューからジョブを取り出して順次実行する。
// Close後は積み残しのジョブを実行し切ってから終了する。
func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobs:
			d.runJob(job)
		case <-d.done:
			for {
				select {
				case job := <-d.jobs:
					d.runJob(job)
				default:
					return
				}
			}
		}
	}
}

// runJob は1件のミラージョブをタイムアウト付きで実行する。
func (d *Dispatcher) runJob(job mirrorJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := job.run(ctx); err != nil {
		d.collector.RecordMirrorFailure(job.operation)
		d.logger.Warn("ミラー書き込みに失敗しました",
			slog.String("operation", job.operation),
			slog.String("error", err.Error()),
		)
	}
}

// enqueue はジョブをキューに積む。キューが満杯の場合は破棄する。
func (d *Dispatcher) enqueue(job mirrorJob) {
	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.jobs <- job:
	default:
		d.collector.RecordMirrorDropped()
		d.logger.Warn("ミラーキューが満杯のためジョブを破棄しました",
			slog.String("operation", job.operation),
		)
	}
}

// RequestCreated はリクエスト作成のミラーをキューに積む。
// 会話の作成に成功した場合、会話IDをレコードへ書き戻す。
func (d *Dispatcher) RequestCreated(req *model.ServiceRequest, email string) {
	requestID := req.ID
	category := string(req.Category)
	content := req.Content

	d.enqueue(mirrorJob{
		operation: "create",
		run: func(ctx context.Context) error {
			conversationID, err := d.mirror.CreateConversation(ctx, email, category, content)
			if err != nil {
				return err
			}
			if conversationID == "" {
				return nil // noopミラー
			}
			return d.writer.SetConversationID(ctx, requestID, conversationID)
		},
	})
}

// RequestUpdated はリクエスト更新のミラー（ユーザー返信）をキューに積む。
// 会話IDが未設定の場合（作成ミラーが失敗していた場合など）はスキップする。
func (d *Dispatcher) RequestUpdated(req *model.ServiceRequest, email string) {
	conversationID := req.IntercomConversationID
	content := req.Content

	if conversationID == "" {
		d.logger.Debug("会話IDが未設定のため更新ミラーをスキップします",
			slog.String("request_id", req.ID),
		)
		return
	}

	d.enqueue(mirrorJob{
		operation: "reply",
		run: func(ctx context.Context) error {
			return d.mirror.Reply(ctx, conversationID, email, "Updated Request: "+content)
		},
	})
}

// RequestDeleted はリクエスト削除のミラー（管理者ノート）をキューに積む。
// 会話IDが未設定の場合はスキップする。
func (d *Dispatcher) RequestDeleted(req *model.ServiceRequest) {
	conversationID := req.IntercomConversationID

	if conversationID == "" {
		d.logger.Debug("会話IDが未設定のため削除ミラーをスキップします",
			slog.String("request_id", req.ID),
		)
		return
	}

	d.enqueue(mirrorJob{
		operation: "note",
		run: func(ctx context.Context) error {
			return d.mirror.AdminNote(ctx, conversationID, "Service request was deleted by the user")
		},
	})
}

// Close は新規ジョブの受付を停止し、積まれたジョブの完了を待つ。
// Close後のenqueueは無視される。
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
