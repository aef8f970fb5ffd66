package jobs

import (
	"maps"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Terminal は完了または失敗の状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// 外部サービスの結果ペイロードで使われるキー。
const (
	ResultKeyFileBase64 = "file_base64"
	ResultKeyFileName   = "file_name"
	ResultKeyMimeType   = "mime_type"
	ResultKeyRaw        = "raw_response"
)

// Record は1件のアップロードに対応するジョブの現在状態を表します。
type Record struct {
	ID          string         `json:"jobId"`
	State       State          `json:"state"`
	Message     string         `json:"message"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"contentType,omitempty"`
	Size        int64          `json:"size"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Revision    int64          `json:"revision"`
}

// clone はストア内部と参照を共有しないコピーを返します。
// Result はマップの浅いコピーです。
func (r *Record) clone() Record {
	out := *r
	if r.Result != nil {
		out.Result = maps.Clone(r.Result)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// HasArtifact は結果にファイル本体が埋め込まれているかを返します。
func (r *Record) HasArtifact() bool {
	v, ok := r.Result[ResultKeyFileBase64].(string)
	return ok && v != ""
}

// PublicResult はファイル本体を除いた結果を返します。
func (r *Record) PublicResult() map[string]any {
	if r.Result == nil {
		return nil
	}
	out := make(map[string]any, len(r.Result))
	for k, v := range r.Result {
		if k == ResultKeyFileBase64 {
			continue
		}
		out[k] = v
	}
	return out
}

// StatusView はステータス照会のレスポンスに使うビューです。
type StatusView struct {
	JobID       string         `json:"job_id"`
	State       State          `json:"state"`
	Message     string         `json:"message"`
	Filename    string         `json:"filename"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	HasFile     bool           `json:"has_file"`
}

func newStatusView(r Record) *StatusView {
	view := &StatusView{
		JobID:       r.ID,
		State:       r.State,
		Message:     r.Message,
		Filename:    r.Filename,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.State == StateCompleted {
		view.Result = r.PublicResult()
		view.HasFile = r.HasArtifact()
	}
	return view
}

// Upload は受け付けたアップロードの内容です。
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ForwardTask は外部サービスへの転送1回分の作業単位です。
type ForwardTask struct {
	JobID       string `json:"jobId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}
