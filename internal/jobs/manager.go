package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cladiecar-hash/rvtm-upload/internal/forwarder"
)

// ステータスメッセージ。状態遷移のたびに上書きされます。
const (
	msgQueued     = "File received, queued for processing"
	msgProcessing = "File sent to n8n, processing"
	msgPending    = "n8n is processing the file, waiting for callback"
	msgCompleted  = "Processing completed"
	msgTimeout    = "Request to n8n timed out. The file may still be processing."
)

// Forwarder は外部処理サービスへの転送を行います。
type Forwarder interface {
	Forward(ctx context.Context, req forwarder.Request) (*forwarder.Response, error)
}

// Options は Manager の設定です。
type Options struct {
	// CallbackBaseURL は外部サービスに渡すコールバックURLの基点です（例: https://example.com）。
	CallbackBaseURL string
	Feed            Feed
	Logger          *slog.Logger
}

// Manager はジョブの受付と状態遷移を担います。
// 状態の変更は必ず Store.Update を通して行います。
type Manager struct {
	store       *Store
	forwarder   Forwarder
	dispatcher  Dispatcher
	feed        Feed
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// NewManager は Manager を初期化し、dispatcher に転送処理を登録します。
func NewManager(store *Store, fwd Forwarder, dispatcher Dispatcher, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if fwd == nil {
		return nil, errors.New("forwarder is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	feed := opts.Feed
	if feed == nil {
		feed = NopFeed{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:       store,
		forwarder:   fwd,
		dispatcher:  dispatcher,
		feed:        feed,
		callbackURL: strings.TrimRight(opts.CallbackBaseURL, "/"),
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	dispatcher.Bind(m.Process)
	return m, nil
}

// Accept はアップロードを受け付けて queued のジョブを作成し、転送をバックグラウンドで開始します。
// 転送の結果は待ちません。
func (m *Manager) Accept(ctx context.Context, upload Upload) (Record, error) {
	if strings.TrimSpace(upload.Filename) == "" {
		return Record{}, errors.New("upload.Filename is required")
	}

	record, err := m.store.Create(ctx, Record{
		ID:          m.newID(),
		State:       StateQueued,
		Message:     msgQueued,
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		Size:        int64(len(upload.Data)),
		CreatedAt:   m.now().UTC(),
	})
	if err != nil {
		return Record{}, err
	}
	m.publish(ctx, record)

	task := &ForwardTask{
		JobID:       record.ID,
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		Data:        upload.Data,
	}
	if err := m.dispatcher.Dispatch(ctx, task); err != nil {
		m.logger.Error("failed to dispatch forward task", slog.String("job_id", record.ID), slog.String("error", err.Error()))
		if failed, failErr := m.fail(ctx, record.ID, "Failed to schedule processing: "+err.Error()); failErr == nil {
			return failed, nil
		}
		return Record{}, err
	}

	m.logger.Info("job accepted", slog.String("job_id", record.ID), slog.String("filename", record.Filename), slog.Int64("size", record.Size))
	return record, nil
}

// Process は転送タスクを実行し、外部サービスの応答に応じて状態を進めます。
func (m *Manager) Process(ctx context.Context, task *ForwardTask) {
	if task == nil {
		return
	}
	logger := m.logger.With(slog.String("job_id", task.JobID))

	record, err := m.store.Update(ctx, task.JobID, func(r *Record) error {
		if r.State.Terminal() {
			return ErrAlreadyTerminal
		}
		r.State = StateProcessing
		r.Message = msgProcessing
		return nil
	})
	if err != nil {
		logger.Warn("skip forwarding", slog.String("error", err.Error()))
		return
	}
	m.publish(ctx, record)

	resp, err := m.forwarder.Forward(ctx, forwarder.Request{
		JobID:       task.JobID,
		Filename:    task.Filename,
		ContentType: task.ContentType,
		Data:        task.Data,
		CallbackURL: m.CallbackURL(task.JobID),
	})

	var statusErr *forwarder.StatusError
	switch {
	case errors.Is(err, forwarder.ErrTimeout):
		logger.Warn("forward timed out, waiting for callback")
		m.note(ctx, task.JobID, msgTimeout)
	case errors.As(err, &statusErr):
		logger.Error("n8n returned an error", slog.Int("status", statusErr.StatusCode))
		m.failLogged(ctx, task.JobID, fmt.Sprintf("n8n returned an error (status %d)", statusErr.StatusCode))
	case errors.Is(err, forwarder.ErrResponseTooLarge):
		logger.Error("n8n response rejected", slog.String("error", err.Error()))
		m.failLogged(ctx, task.JobID, "n8n response exceeded the size limit")
	case err != nil:
		logger.Error("forward failed", slog.String("error", err.Error()))
		m.failLogged(ctx, task.JobID, "Failed to connect to n8n: "+err.Error())
	case resp.Pending:
		logger.Info("n8n acknowledged, waiting for callback")
		m.note(ctx, task.JobID, msgPending)
	default:
		if _, err := m.complete(ctx, task.JobID, resp.Result, "sync"); err != nil && !errors.Is(err, ErrAlreadyCompleted) {
			logger.Error("failed to complete job", slog.String("error", err.Error()))
		}
	}
}

// HandleCallback は外部サービスからのコールバックでジョブを完了させます。
// 既に完了済みの場合は結果を変更せず ErrAlreadyCompleted を返します。
func (m *Manager) HandleCallback(ctx context.Context, jobID string, result map[string]any) (Record, error) {
	return m.complete(ctx, jobID, result, "callback")
}

// Status はジョブの現在状態を返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*StatusView, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return newStatusView(record), nil
}

// Download は完了ジョブの成果物ファイルを返します。
func (m *Manager) Download(ctx context.Context, jobID string) (*Artifact, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Materialize(record)
}

// CallbackURL はジョブ用のコールバックURLを組み立てます。
func (m *Manager) CallbackURL(jobID string) string {
	return fmt.Sprintf("%s/callback/%s", m.callbackURL, url.PathEscape(jobID))
}

// JobCount は管理中のジョブ数を返します。
func (m *Manager) JobCount() int {
	return m.store.Len()
}

// complete は最初の完了だけを採用します。error 状態のジョブはコールバックによる完了を許可します。
func (m *Manager) complete(ctx context.Context, jobID string, result map[string]any, source string) (Record, error) {
	var previous State
	record, err := m.store.Update(ctx, jobID, func(r *Record) error {
		if r.State == StateCompleted {
			return ErrAlreadyCompleted
		}
		if r.State == StateError && source != "callback" {
			return ErrAlreadyTerminal
		}
		previous = r.State
		completedAt := m.now().UTC()
		r.State = StateCompleted
		r.Message = msgCompleted
		r.Result = result
		r.CompletedAt = &completedAt
		return nil
	})
	logger := m.logger.With(slog.String("job_id", jobID), slog.String("source", source))
	switch {
	case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrAlreadyTerminal):
		logger.Warn("duplicate completion ignored", slog.String("state", string(record.State)))
		return record, err
	case err != nil:
		return Record{}, err
	}
	if previous == StateError {
		logger.Warn("job in error state completed by callback")
	}
	logger.Info("job completed")
	m.publish(ctx, record)
	return record, nil
}

func (m *Manager) fail(ctx context.Context, jobID, message string) (Record, error) {
	record, err := m.store.Update(ctx, jobID, func(r *Record) error {
		if r.State.Terminal() {
			return ErrAlreadyTerminal
		}
		completedAt := m.now().UTC()
		r.State = StateError
		r.Message = message
		r.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return record, err
	}
	m.publish(ctx, record)
	return record, nil
}

func (m *Manager) failLogged(ctx context.Context, jobID, message string) {
	if _, err := m.fail(ctx, jobID, message); err != nil {
		m.logger.Warn("failure not recorded", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// note は processing 中のジョブのメッセージだけを更新します。
func (m *Manager) note(ctx context.Context, jobID, message string) {
	record, err := m.store.Update(ctx, jobID, func(r *Record) error {
		if r.State != StateProcessing {
			return ErrAlreadyTerminal
		}
		r.Message = message
		return nil
	})
	if err != nil {
		m.logger.Debug("status message not updated", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	m.publish(ctx, record)
}

func (m *Manager) publish(ctx context.Context, record Record) {
	if err := m.feed.Publish(ctx, record); err != nil {
		m.logger.Warn("failed to publish progress", slog.String("job_id", record.ID), slog.String("error", err.Error()))
	}
}
