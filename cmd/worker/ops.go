package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/preview-worker/internal/auth"
	"github.com/yourusername/preview-worker/internal/jobs"
)

// phase はワーカーの稼働段階です。
type phase string

const (
	phaseStarting   phase = "starting"
	phaseRecovering phase = "recovering"
	phaseConsuming  phase = "consuming"
	phaseStopping   phase = "stopping"
)

// jobLookup は運用エンドポイントが参照する Processor の機能です。
type jobLookup interface {
	Lookup(ctx context.Context, jobID string) (*jobs.Record, error)
	InFlight() int
}

// opsState は /health で返すワーカーの状態です。
type opsState struct {
	workerID  string
	startedAt time.Time
	phase     atomic.Value
	recovery  atomic.Pointer[jobs.RecoveryReport]
}

func newOpsState(workerID string) *opsState {
	s := &opsState{workerID: workerID, startedAt: time.Now()}
	s.phase.Store(phaseStarting)
	return s
}

func (s *opsState) setPhase(p phase) {
	s.phase.Store(p)
}

func (s *opsState) currentPhase() phase {
	return s.phase.Load().(phase)
}

// newOpsRouter は運用エンドポイントのルーターを作成します。
func newOpsRouter(state *opsState, lookup jobLookup, authManager *auth.Manager, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	protected := router.Group("")
	protected.Use(authManager.BasicAuth())
	{
		protected.GET("/health", healthHandler(state, lookup))
		protected.GET("/jobs/:id", jobStatusHandler(lookup))
	}
	return router
}

// healthHandler はヘルスチェックエンドポイントのハンドラーです。
func healthHandler(state *opsState, lookup jobLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := gin.H{
			"status":   "ok",
			"service":  "preview-worker",
			"workerId": state.workerID,
			"phase":    state.currentPhase(),
			"inFlight": lookup.InFlight(),
			"uptime":   time.Since(state.startedAt).Round(time.Second).String(),
		}
		if report := state.recovery.Load(); report != nil {
			payload["recovery"] = gin.H{
				"scanned":   report.Scanned,
				"recovered": report.Recovered,
				"failed":    report.Failed,
			}
		}
		c.JSON(http.StatusOK, payload)
	}
}

func jobStatusHandler(lookup jobLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := lookup.Lookup(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"status":    record.Status,
			"sourceKey": record.SourceKey,
			"updatedAt": record.UpdatedAt,
		}
		if record.ResultURL != "" {
			payload["resultUrl"] = record.ResultURL
		}
		c.JSON(http.StatusOK, payload)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("ops request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

// startOpsServer は運用エンドポイントをバックグラウンドで起動します。
func startOpsServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting ops server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped with error", zap.Error(err))
		}
	}()
	return srv
}
