package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cladiecar-hash/rvtm-upload/internal/forwarder"
)

type stubForwarder struct {
	resp    *forwarder.Response
	err     error
	release chan struct{}
	calls   atomic.Int32

	mu  sync.Mutex
	got forwarder.Request
}

func (s *stubForwarder) Forward(ctx context.Context, req forwarder.Request) (*forwarder.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.got = req
	s.mu.Unlock()
	if s.release != nil {
		<-s.release
	}
	return s.resp, s.err
}

func (s *stubForwarder) lastRequest() forwarder.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

// recordingDispatcher はタスクを実行せずに記録します。テスト側で Process を呼び出します。
type recordingDispatcher struct {
	mu      sync.Mutex
	handler TaskHandler
	tasks   []*ForwardTask
	err     error
}

func (d *recordingDispatcher) Bind(handler TaskHandler) { d.handler = handler }

func (d *recordingDispatcher) Dispatch(ctx context.Context, task *ForwardTask) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) Shutdown(context.Context) error { return nil }

func (d *recordingDispatcher) last(t *testing.T) *ForwardTask {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.tasks)
	return d.tasks[len(d.tasks)-1]
}

type recordingFeed struct {
	mu      sync.Mutex
	records []Record
}

func (f *recordingFeed) Publish(ctx context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func newTestManager(t *testing.T, fwd Forwarder) (*Manager, *recordingDispatcher, *Store) {
	t.Helper()
	store := NewStore()
	dispatcher := &recordingDispatcher{}
	m, err := NewManager(store, fwd, dispatcher, Options{CallbackBaseURL: "http://svc.local/"})
	require.NoError(t, err)
	return m, dispatcher, store
}

func accept(t *testing.T, m *Manager) Record {
	t.Helper()
	record, err := m.Accept(context.Background(), Upload{
		Filename:    "matrix.xlsx",
		ContentType: "application/vnd.ms-excel",
		Data:        []byte("spreadsheet"),
	})
	require.NoError(t, err)
	return record
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, &stubForwarder{}, &recordingDispatcher{}, Options{})
	assert.Error(t, err)
	_, err = NewManager(NewStore(), nil, &recordingDispatcher{}, Options{})
	assert.Error(t, err)
	_, err = NewManager(NewStore(), &stubForwarder{}, nil, Options{})
	assert.Error(t, err)
}

func TestAcceptCreatesQueuedJob(t *testing.T) {
	m, dispatcher, _ := newTestManager(t, &stubForwarder{})

	record := accept(t, m)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, StateQueued, record.State)
	assert.Equal(t, "matrix.xlsx", record.Filename)
	assert.Equal(t, int64(len("spreadsheet")), record.Size)
	assert.Nil(t, record.CompletedAt)
	assert.Nil(t, record.Result)

	task := dispatcher.last(t)
	assert.Equal(t, record.ID, task.JobID)
	assert.Equal(t, []byte("spreadsheet"), task.Data)

	view, err := m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, view.State)
}

func TestAcceptDispatchFailureMarksError(t *testing.T) {
	m, dispatcher, _ := newTestManager(t, &stubForwarder{})
	dispatcher.err = errors.New("queue down")

	record := accept(t, m)

	assert.Equal(t, StateError, record.State)
	assert.Contains(t, record.Message, "queue down")
	assert.NotNil(t, record.CompletedAt)
}

func TestProcessSynchronousResult(t *testing.T) {
	fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Result: map[string]any{
		"summary":     "42 requirements",
		"file_base64": base64.StdEncoding.EncodeToString([]byte("out")),
	}}}
	m, dispatcher, _ := newTestManager(t, fwd)
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	req := fwd.lastRequest()
	assert.Equal(t, record.ID, req.JobID)
	assert.Equal(t, "http://svc.local/callback/"+record.ID, req.CallbackURL)
	assert.Equal(t, "matrix.xlsx", req.Filename)

	view, err := m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, view.State)
	assert.Equal(t, msgCompleted, view.Message)
	require.NotNil(t, view.CompletedAt)
	assert.Equal(t, "42 requirements", view.Result["summary"])
	assert.NotContains(t, view.Result, ResultKeyFileBase64)
	assert.True(t, view.HasFile)
}

func TestProcessPendingThenCallback(t *testing.T) {
	fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Pending: true}}
	m, dispatcher, _ := newTestManager(t, fwd)
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	view, err := m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, view.State)
	assert.Equal(t, msgPending, view.Message)
	assert.Nil(t, view.CompletedAt)

	completed, err := m.HandleCallback(context.Background(), record.ID, map[string]any{"rows": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, completed.State)
	assert.Equal(t, float64(3), completed.Result["rows"])
	assert.NotNil(t, completed.CompletedAt)
}

func TestProcessTransportFailure(t *testing.T) {
	fwd := &stubForwarder{err: &forwarder.TransportError{Err: errors.New("connection refused")}}
	m, dispatcher, store := newTestManager(t, fwd)
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	got, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, got.State)
	assert.Contains(t, got.Message, "connection refused")
	assert.Nil(t, got.Result)
	assert.NotNil(t, got.CompletedAt)
}

func TestProcessOversizedResponseMarksError(t *testing.T) {
	fwd := &stubForwarder{err: fmt.Errorf("%w (limit 100 bytes)", forwarder.ErrResponseTooLarge)}
	m, dispatcher, store := newTestManager(t, fwd)
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	got, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, got.State)
	assert.Contains(t, got.Message, "size limit")
	assert.Nil(t, got.Result)

	_, err = m.Download(context.Background(), record.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestProcessNonSuccessStatus(t *testing.T) {
	fwd := &stubForwarder{err: &forwarder.StatusError{StatusCode: 500, Body: "boom"}}
	m, dispatcher, store := newTestManager(t, fwd)
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	got, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateError, got.State)
	assert.Contains(t, got.Message, "500")
	assert.Nil(t, got.Result)
}

func TestProcessTimeoutThenCallback(t *testing.T) {
	fwd := &stubForwarder{err: fmt.Errorf("%w: deadline", forwarder.ErrTimeout)}
	m, dispatcher, store := newTestManager(t, fwd)
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	got, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, got.State)
	assert.Equal(t, msgTimeout, got.Message)
	assert.Nil(t, got.CompletedAt)

	completed, err := m.HandleCallback(context.Background(), record.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, completed.State)
	assert.Equal(t, true, completed.Result["ok"])
}

func TestDuplicateCompletionFirstWins(t *testing.T) {
	fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Result: map[string]any{"source": "sync"}}}
	m, dispatcher, store := newTestManager(t, fwd)
	record := accept(t, m)
	m.Process(context.Background(), dispatcher.last(t))

	before, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)

	dup, err := m.HandleCallback(context.Background(), record.ID, map[string]any{"source": "callback"})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, "sync", dup.Result["source"])

	after, err := store.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCallbackBeforeForwardSkipsForwarding(t *testing.T) {
	fwd := &stubForwarder{resp: &forwarder.Response{Result: map[string]any{"source": "sync"}}}
	m, dispatcher, _ := newTestManager(t, fwd)
	record := accept(t, m)

	_, err := m.HandleCallback(context.Background(), record.ID, map[string]any{"source": "callback"})
	require.NoError(t, err)

	m.Process(context.Background(), dispatcher.last(t))

	assert.Equal(t, int32(0), fwd.calls.Load())
	view, err := m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "callback", view.Result["source"])
}

func TestCallbackCompletesErroredJob(t *testing.T) {
	fwd := &stubForwarder{err: &forwarder.StatusError{StatusCode: 502}}
	m, dispatcher, _ := newTestManager(t, fwd)
	record := accept(t, m)
	m.Process(context.Background(), dispatcher.last(t))

	completed, err := m.HandleCallback(context.Background(), record.ID, map[string]any{"late": true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, completed.State)
	assert.Equal(t, msgCompleted, completed.Message)
}

func TestUnknownJobNeverCreatesRecord(t *testing.T) {
	m, _, store := newTestManager(t, &stubForwarder{})
	ctx := context.Background()

	_, err := m.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Download(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.HandleCallback(ctx, "missing", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrJobNotFound)

	m.Process(ctx, &ForwardTask{JobID: "missing"})

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, m.JobCount())
}

func TestConcurrentCompletionIsNeverTorn(t *testing.T) {
	for i := 0; i < 50; i++ {
		syncResult := map[string]any{"source": "sync", "file_name": "sync.xlsx"}
		fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Result: syncResult}}
		m, dispatcher, store := newTestManager(t, fwd)
		record := accept(t, m)
		task := dispatcher.last(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Process(context.Background(), task)
		}()
		go func() {
			defer wg.Done()
			_, _ = m.HandleCallback(context.Background(), record.ID, map[string]any{"source": "callback", "file_name": "callback.xlsx"})
		}()
		wg.Wait()

		got, err := store.Get(context.Background(), record.ID)
		require.NoError(t, err)
		require.Equal(t, StateCompleted, got.State)
		require.NotNil(t, got.CompletedAt)
		source := got.Result["source"].(string)
		require.Contains(t, []string{"sync", "callback"}, source)
		assert.Equal(t, source+".xlsx", got.Result["file_name"])
	}
}

func TestStatusBeforeForwarderOutcome(t *testing.T) {
	fwd := &stubForwarder{
		resp:    &forwarder.Response{StatusCode: 200, Result: map[string]any{"done": true}},
		release: make(chan struct{}),
	}
	dispatcher := NewGoDispatcher()
	m, err := NewManager(NewStore(), fwd, dispatcher, Options{CallbackBaseURL: "http://svc.local"})
	require.NoError(t, err)

	record := accept(t, m)

	view, err := m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Contains(t, []State{StateQueued, StateProcessing}, view.State)

	close(fwd.release)
	require.NoError(t, dispatcher.Shutdown(context.Background()))

	view, err = m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, view.State)
}

func TestLifecyclePublishesToFeed(t *testing.T) {
	feed := &recordingFeed{}
	fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Pending: true}}
	dispatcher := &recordingDispatcher{}
	m, err := NewManager(NewStore(), fwd, dispatcher, Options{Feed: feed})
	require.NoError(t, err)

	record := accept(t, m)
	m.Process(context.Background(), dispatcher.last(t))
	_, err = m.HandleCallback(context.Background(), record.ID, map[string]any{"ok": true})
	require.NoError(t, err)

	feed.mu.Lock()
	defer feed.mu.Unlock()
	states := make([]State, 0, len(feed.records))
	for i, r := range feed.records {
		states = append(states, r.State)
		if i > 0 {
			assert.Greater(t, r.Revision, feed.records[i-1].Revision)
		}
	}
	assert.Equal(t, []State{StateQueued, StateProcessing, StateProcessing, StateCompleted}, states)
}

func TestDownloadThroughManager(t *testing.T) {
	payload := []byte("xlsx-bytes")
	fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Result: map[string]any{
		"file_base64": base64.StdEncoding.EncodeToString(payload),
		"file_name":   "RVTM.xlsx",
	}}}
	m, dispatcher, _ := newTestManager(t, fwd)
	record := accept(t, m)

	_, err := m.Download(context.Background(), record.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	m.Process(context.Background(), dispatcher.last(t))

	first, err := m.Download(context.Background(), record.ID)
	require.NoError(t, err)
	second, err := m.Download(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, first.Data)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, "RVTM.xlsx", first.Filename)
}

func TestManagerUsesInjectedClock(t *testing.T) {
	fwd := &stubForwarder{resp: &forwarder.Response{StatusCode: 200, Result: map[string]any{}}}
	m, dispatcher, _ := newTestManager(t, fwd)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	record := accept(t, m)

	m.Process(context.Background(), dispatcher.last(t))

	view, err := m.Status(context.Background(), record.ID)
	require.NoError(t, err)
	require.NotNil(t, view.CompletedAt)
	assert.Equal(t, fixed, *view.CompletedAt)
	assert.Equal(t, fixed, view.CreatedAt)
}
