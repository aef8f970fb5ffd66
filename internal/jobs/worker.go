// Package jobs は非同期ジョブのライフサイクル管理機能を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
)

const (
	taskTypeForward = "upload:forward"
	queueForward    = "forward"
)

// TaskHandler は転送タスクを実行する関数です。
type TaskHandler func(ctx context.Context, task *ForwardTask)

// Dispatcher は転送タスクを呼び出し元を待たせずに実行します。
type Dispatcher interface {
	Bind(handler TaskHandler)
	Dispatch(ctx context.Context, task *ForwardTask) error
	Shutdown(ctx context.Context) error
}

// GoDispatcher はタスクごとに goroutine を起動します。
type GoDispatcher struct {
	mu      sync.RWMutex
	handler TaskHandler
	wg      sync.WaitGroup
}

// NewGoDispatcher は GoDispatcher を作成します。
func NewGoDispatcher() *GoDispatcher {
	return &GoDispatcher{}
}

// Bind は実行するハンドラーを登録します。
func (d *GoDispatcher) Bind(handler TaskHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// Dispatch はタスクを goroutine で実行し、すぐに戻ります。
// リクエストのキャンセルはタスクに伝播させません。
func (d *GoDispatcher) Dispatch(ctx context.Context, task *ForwardTask) error {
	if task == nil {
		return errors.New("task is nil")
	}
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()
	if handler == nil {
		return errors.New("dispatcher has no handler")
	}

	taskCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		handler(taskCtx, task)
	}()
	return nil
}

// Shutdown は実行中のタスクが終わるか ctx が終了するまで待ちます。
func (d *GoDispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsynqDispatcher は Asynq のキューを経由してタスクを実行します。
// ジョブテーブルはプロセス内メモリにあるため、単一インスタンスでのみ使用できます。
type AsynqDispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。
func NewAsynqDispatcher(redisURL string, concurrency int, logger *slog.Logger) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AsynqDispatcher{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueForward: 1,
			},
		}),
		mux:    asynq.NewServeMux(),
		logger: logger,
	}, nil
}

// Bind はハンドラーを Asynq のタスク種別に登録します。
func (d *AsynqDispatcher) Bind(handler TaskHandler) {
	d.mux.HandleFunc(taskTypeForward, func(ctx context.Context, t *asynq.Task) error {
		var task ForwardTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("decode forward task: %v: %w", err, asynq.SkipRetry)
		}
		if task.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		handler(ctx, &task)
		return nil
	})
}

// Start は Asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start() {
	go func() {
		if err := d.server.Run(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			d.logger.Error("asynq server stopped", slog.String("error", err.Error()))
		}
	}()
}

// Dispatch はタスクをキューに投入します。転送は再試行しません。
func (d *AsynqDispatcher) Dispatch(ctx context.Context, task *ForwardTask) error {
	if task == nil {
		return errors.New("task is nil")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(taskTypeForward, body), asynq.Queue(queueForward), asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("enqueue forward task: %w", err)
	}
	d.logger.Debug("forward task enqueued", slog.String("job_id", task.JobID), slog.String("task_id", info.ID))
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown(context.Context) error {
	d.server.Shutdown()
	return d.client.Close()
}
