package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/cladiecar-hash/rvtm-upload/internal/config"
	"github.com/cladiecar-hash/rvtm-upload/internal/forwarder"
	"github.com/cladiecar-hash/rvtm-upload/internal/jobs"
)

// コールバックで受け付けるボディの上限。
const maxCallbackBytes = 64 << 20

// jobRuntime はジョブ管理に必要な部品と後始末をまとめます。
type jobRuntime struct {
	manager  *jobs.Manager
	shutdown func(ctx context.Context) error
}

func setupJobs(cfg *config.Config, logger *slog.Logger) (*jobRuntime, error) {
	var fwd jobs.Forwarder = missingWebhook{}
	if cfg.WebhookConfigured() {
		client, err := forwarder.New(cfg.N8NWebhookURL, forwarder.Options{
			Timeout:          cfg.ForwardTimeout,
			MaxResponseBytes: responseLimit(cfg.MaxFileSize),
		})
		if err != nil {
			return nil, err
		}
		fwd = client
	} else {
		logger.Warn("N8N_WEBHOOK_URL is not set; uploads will fail until it is configured")
	}

	var (
		dispatcher jobs.Dispatcher
		start      func()
	)
	switch cfg.DispatchMode {
	case config.DispatchAsynq:
		d, err := jobs.NewAsynqDispatcher(cfg.QueueRedisURL, cfg.QueueConcurrency, logger)
		if err != nil {
			return nil, err
		}
		dispatcher, start = d, d.Start
	default:
		dispatcher = jobs.NewGoDispatcher()
	}

	var (
		feed      jobs.Feed = jobs.NopFeed{}
		feedRedis *redis.Client
	)
	if cfg.ProgressFeedRedisURL != "" {
		opt, err := redis.ParseURL(cfg.ProgressFeedRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse progress feed redis url: %w", err)
		}
		feedRedis = redis.NewClient(opt)
		feed = jobs.NewRedisFeed(feedRedis, cfg.ProgressFeedTTL)
	}

	manager, err := jobs.NewManager(jobs.NewStore(), fwd, dispatcher, jobs.Options{
		CallbackBaseURL: cfg.PublicBaseURL,
		Feed:            feed,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	if start != nil {
		start()
	}

	return &jobRuntime{
		manager: manager,
		shutdown: func(ctx context.Context) error {
			err := dispatcher.Shutdown(ctx)
			if feedRedis != nil {
				err = errors.Join(err, feedRedis.Close())
			}
			return err
		},
	}, nil
}

// errWebhookNotConfigured は転送先が未設定のまま転送しようとしたことを表します。
var errWebhookNotConfigured = errors.New("N8N_WEBHOOK_URL is not configured")

// missingWebhook は転送先が未設定のときに使う Forwarder です。
type missingWebhook struct{}

func (missingWebhook) Forward(context.Context, forwarder.Request) (*forwarder.Response, error) {
	return nil, errWebhookNotConfigured
}

// responseLimit は成果物を base64 で受け取れるよう、アップロード上限から応答ボディの上限を決めます。
func responseLimit(maxFileSize int64) int64 {
	limit := maxFileSize/3*4 + 1<<20
	if limit < forwarder.DefaultMaxResponseBytes {
		return forwarder.DefaultMaxResponseBytes
	}
	return limit
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := requireJobID(c)
		if !ok {
			return
		}

		view, err := manager.Status(c.Request.Context(), jobID)
		if err != nil {
			respondJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func jobDownloadHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := requireJobID(c)
		if !ok {
			return
		}

		artifact, err := manager.Download(c.Request.Context(), jobID)
		if err != nil {
			respondJobError(c, err)
			return
		}

		c.Header("Content-Disposition", contentDisposition(artifact.Filename))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", artifact.JobID)
		c.Data(http.StatusOK, artifact.MimeType, artifact.Data)
	}
}

// filename="..." に入れられない文字は取り除きます。元の名前は filename* で渡します。
var quotedNameCleaner = strings.NewReplacer(`"`, "", `\`, "", "\r", "", "\n", "")

func contentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s",
		quotedNameCleaner.Replace(filename), url.PathEscape(filename))
}

func jobCallbackHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := requireJobID(c)
		if !ok {
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "Failed to read callback body",
			})
			return
		}

		record, err := manager.HandleCallback(c.Request.Context(), jobID, forwarder.DecodeResult(raw))
		duplicate := errors.Is(err, jobs.ErrAlreadyCompleted)
		if err != nil && !duplicate {
			respondJobError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "success",
			"job_id":    record.ID,
			"state":     record.State,
			"duplicate": duplicate,
		})
	}
}

func healthHandler(cfg *config.Config, manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":             "healthy",
			"webhook_configured": cfg.WebhookConfigured(),
			"jobs":               manager.JobCount(),
		})
	}
}

func requireJobID(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "job id is required",
		})
		return "", false
	}
	return jobID, true
}

func respondJobError(c *gin.Context, err error) {
	var decodeErr *jobs.DecodeError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "Job not found",
		})
	case errors.Is(err, jobs.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOT_READY",
			"message": "Job is not completed yet",
		})
	case errors.Is(err, jobs.ErrNoArtifact):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NO_ARTIFACT",
			"message": "Job result has no file",
		})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "DECODE_ERROR",
			"message": "Job result file could not be decoded",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "Internal server error",
		})
	}
}
