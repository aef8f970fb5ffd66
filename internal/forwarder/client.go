// Package forwarder はアップロードされたファイルを外部の処理サービス（n8n Webhook）へ転送します。
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	DefaultTimeout          = 120 * time.Second
	DefaultMaxResponseBytes = 128 << 20

	statusProcessing = "processing"
)

// ErrTimeout は外部サービスの応答待ちがタイムアウトしたことを表します。
// 外部サービス側では処理が続いている可能性があるため、ジョブの失敗としては扱いません。
var ErrTimeout = errors.New("external service timed out")

// ErrResponseTooLarge は応答ボディが上限を超えたことを表します。
var ErrResponseTooLarge = errors.New("external service response too large")

// StatusError は外部サービスが 2xx 以外を返したことを表します。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("external service returned status %d", e.StatusCode)
}

// TransportError はタイムアウト以外の通信エラーを表します。
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "failed to connect to external service: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Request は転送1回分の入力です。
type Request struct {
	JobID       string
	Filename    string
	ContentType string
	Data        []byte
	CallbackURL string
}

// Response は外部サービスの応答を分類した結果です。
// Pending が true の場合、結果はコールバックで後から届きます。
type Response struct {
	StatusCode int
	Pending    bool
	Result     map[string]any
}

// Options は Client の設定です。
type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	HTTPClient       *http.Client
}

// Client は Webhook へ multipart でファイルを送信します。
type Client struct {
	webhookURL string
	timeout    time.Duration
	maxBody    int64
	http       *http.Client
}

// New は Client を作成します。
func New(webhookURL string, opts Options) (*Client, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return nil, errors.New("webhookURL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		webhookURL: webhookURL,
		timeout:    timeout,
		maxBody:    maxBody,
		http:       httpClient,
	}, nil
}

// Forward はファイルとジョブ情報を送信し、応答を分類します。
func (c *Client) Forward(ctx context.Context, req Request) (*Response, error) {
	if req.JobID == "" {
		return nil, errors.New("req.JobID is required")
	}

	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if int64(len(raw)) > c.maxBody {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrResponseTooLarge, c.maxBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	result := DecodeResult(raw)
	out := &Response{StatusCode: resp.StatusCode, Result: result}
	if status, ok := result["status"].(string); ok && status == statusProcessing {
		out.Pending = true
		out.Result = nil
	}
	return out, nil
}

// DecodeResult は応答ボディを結果マップに変換します。
// JSON オブジェクト以外は raw_response として文字列のまま保持します。
func DecodeResult(raw []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"raw_response": string(raw)}
}

func buildMultipart(req Request) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="data"; filename="%s"`, escapeQuotes(req.Filename)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"job_id", req.JobID},
		{"callback_url", req.CallbackURL},
		{"filename", req.Filename},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &TransportError{Err: err}
}
