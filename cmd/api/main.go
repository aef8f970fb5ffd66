// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/cladiecar-hash/rvtm-upload/internal/config"
	"github.com/cladiecar-hash/rvtm-upload/internal/jobs"
	"github.com/cladiecar-hash/rvtm-upload/internal/logger"
	"github.com/cladiecar-hash/rvtm-upload/internal/upload"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(log)

	gin.SetMode(cfg.GinMode)

	runtime, err := setupJobs(cfg, log)
	if err != nil {
		log.Error("Failed to set up jobs", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := newRouter(cfg, runtime.manager, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("Starting API server", slog.String("addr", srv.Addr), slog.String("mode", cfg.GinMode), slog.String("dispatch", cfg.DispatchMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to start server", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}
	// 転送中のタスクは外部サービスの応答を待つため、猶予時間内に終わらないことがあります。
	if err := runtime.shutdown(shutdownCtx); err != nil {
		log.Warn("Job dispatcher shutdown incomplete", slog.String("error", err.Error()))
	}
}

// newRouter はミドルウェアとルーティングを設定したルーターを返します。
func newRouter(cfg *config.Config, manager *jobs.Manager, log *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinMiddleware(log))
	router.Use(cors.New(corsConfig(cfg.CORSAllowedOrigins)))
	router.MaxMultipartMemory = cfg.MaxFileSize

	router.GET("/health", healthHandler(cfg, manager))
	router.POST("/upload", upload.Handler(manager, upload.Options{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		Logger:            log,
	}))
	router.POST("/callback/:id", jobCallbackHandler(manager))
	router.GET("/status/:id", jobStatusHandler(manager))
	router.GET("/download/:id", jobDownloadHandler(manager))

	return router
}

func corsConfig(allowed string) cors.Config {
	corsConfig := cors.DefaultConfig()
	var origins []string
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	return corsConfig
}
