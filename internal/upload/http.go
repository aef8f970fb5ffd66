// Package upload はファイルアップロードの受付ハンドラーを提供します。
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/cladiecar-hash/rvtm-upload/internal/jobs"
)

// multipart のヘッダー分としてファイルサイズ上限に上乗せする量。
const formOverheadBytes = 1 << 20

// Acceptor はアップロードをジョブとして受け付けます。
type Acceptor interface {
	Accept(ctx context.Context, upload jobs.Upload) (jobs.Record, error)
}

// Options はアップロード制限の設定です。
type Options struct {
	MaxFileSize       int64
	AllowedExtensions []string
	Logger            *slog.Logger
}

// Handler は POST /upload のハンドラーを返します。
// ジョブを作成した時点で 202 を返し、外部サービスの処理結果は待ちません。
func Handler(svc Acceptor, opts Options) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		if opts.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxFileSize+formOverheadBytes)
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondLimitExceeded(c, opts.MaxFileSize)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"code":    "NO_FILE",
				"message": "No file provided",
			})
			return
		}

		filename := SanitizeFilename(fileHeader.Filename)
		if filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"code":    "NO_FILE_SELECTED",
				"message": "No file selected",
			})
			return
		}

		if !allowedExtension(filename, opts.AllowedExtensions) {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"code":    "INVALID_FILE_TYPE",
				"message": fmt.Sprintf("Invalid file type. Allowed: %s", strings.Join(opts.AllowedExtensions, ", ")),
			})
			return
		}

		if opts.MaxFileSize > 0 && fileHeader.Size > opts.MaxFileSize {
			respondLimitExceeded(c, opts.MaxFileSize)
			return
		}

		data, err := readFile(fileHeader)
		if err != nil {
			logger.Error("failed to read uploaded file", slog.String("filename", filename), slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"code":    "INVALID_INPUT",
				"message": "Failed to read uploaded file",
			})
			return
		}

		record, err := svc.Accept(c.Request.Context(), jobs.Upload{
			Filename:    filename,
			ContentType: detectContentType(fileHeader.Header.Get("Content-Type"), data),
			Data:        data,
		})
		if err != nil {
			logger.Error("failed to accept upload", slog.String("filename", filename), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"status":  "error",
				"code":    "INTERNAL_ERROR",
				"message": "Failed to accept upload",
			})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"status":       "accepted",
			"job_id":       record.ID,
			"state":        record.State,
			"message":      record.Message,
			"filename":     record.Filename,
			"status_url":   "/status/" + record.ID,
			"download_url": "/download/" + record.ID,
		})
	}
}

func respondLimitExceeded(c *gin.Context, limit int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"status":  "error",
		"code":    "LIMIT_EXCEEDED",
		"message": fmt.Sprintf("File exceeds the maximum size of %d bytes", limit),
	})
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFilename はパス区切りや安全でない文字を取り除いたファイル名を返します。
// 何も残らない場合は空文字を返します。
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

func allowedExtension(filename string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

// detectContentType は宣言された Content-Type が無いか汎用的な場合に中身から判定します。
func detectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(data).String()
}
