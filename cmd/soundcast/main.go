// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	broadcastRouters "github.com/soundcast/soundcast/api/broadcast-api/router"
	"github.com/soundcast/soundcast/config"
	"github.com/soundcast/soundcast/internal/embedding"
	"github.com/soundcast/soundcast/internal/entity"
	"github.com/soundcast/soundcast/internal/fork"
	"github.com/soundcast/soundcast/internal/ports"
	"github.com/soundcast/soundcast/internal/recording"
	"github.com/soundcast/soundcast/internal/registry"
	"github.com/soundcast/soundcast/internal/session"
	"github.com/soundcast/soundcast/internal/sfu"
	"github.com/soundcast/soundcast/internal/stats"
	"github.com/soundcast/soundcast/internal/transcript"
	"github.com/soundcast/soundcast/internal/transcription"
	"github.com/soundcast/soundcast/pkg/commons"
	"github.com/soundcast/soundcast/pkg/connectors"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	v, err := config.InitConfig()
	if err != nil {
		return err
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		return err
	}

	logger, err := commons.NewApplicationLogger(commons.WithLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer logger.Sync()

	conn, err := connectors.NewSqliteConnector(logger, cfg.DBPath, cfg.SqliteVecPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	db := conn.DB()

	if cfg.SingleTenant {
		if err := bootstrapSingleTenant(db, cfg.AdminKey); err != nil {
			return err
		}
		logger.Infow("single tenant bootstrap complete")
	}

	engine, err := sfu.NewEngine(logger, sfu.EngineConfig{
		ListenIP:    cfg.ListenIP,
		AnnouncedIP: cfg.AnnouncedIP,
		MinPort:     cfg.RtcMinPort,
		MaxPort:     cfg.RtcMaxPort,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	recordingArena, err := ports.NewArena(logger, cfg.RecordingRTPPortMin, cfg.RecordingRTPPortMax)
	if err != nil {
		return err
	}
	transcriptionArena, err := ports.NewArena(logger, cfg.TranscriptionRTPPortMin, cfg.TranscriptionRTPPortMax)
	if err != nil {
		return err
	}
	recordingForker := fork.NewForker(logger, engine, recordingArena, cfg.FFmpegPath)
	transcriptionForker := fork.NewForker(logger, engine, transcriptionArena, cfg.FFmpegPath)

	transcriptStore := transcript.NewStore(logger, db)
	broadcaster := transcript.NewBroadcaster(logger)

	embedder := embedding.NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModel)
	searchIndex := embedding.NewSqliteIndex(logger, db, embedder, cfg.EmbeddingEnabled && conn.VecEnabled())
	embeddingService := embedding.NewService(logger, embedder, searchIndex,
		cfg.EmbeddingEnabled && conn.VecEnabled(), cfg.EmbeddingBatch, cfg.EmbeddingQueueCap)

	if cfg.TranscriptionEnabled {
		if err := ensureWhisperModel(logger, cfg); err != nil {
			return err
		}
	}
	transcriptionMgr := transcription.NewManager(logger, transcription.ManagerConfig{
		Enabled:   cfg.TranscriptionEnabled,
		ModelDir:  cfg.WhisperModelDir,
		ModelSize: cfg.WhisperModelSize,
		Threads:   cfg.WhisperThreads,
	}, transcription.NewWhisperFactory(logger), transcriptStore, embeddingService, broadcaster)

	reg := registry.New()
	core := session.NewCoreServer(logger, engine, reg, sfu.TransportOptions{
		ListenIP:    cfg.ListenIP,
		AnnouncedIP: cfg.AnnouncedIP,
		EnableUDP:   true,
		EnableTCP:   true,
	})
	aggregator := stats.NewAggregator(logger, core)
	core.SetStatsAggregator(aggregator)

	recordingMgr := recording.NewManager(logger, db, recordingForker, transcriptionMgr, core, cfg.RecordingDir)
	if err := recordingMgr.RecoverOrphans(); err != nil {
		return err
	}
	core.SetProducerHook(session.NewPipeline(logger, recordingMgr, transcriptionMgr, transcriptionForker))

	router := gin.New()
	router.Use(gin.Recovery())
	broadcastRouters.RegisterRoutes(cfg, router, logger, broadcastRouters.Deps{
		DB:          db,
		Core:        core,
		Aggregator:  aggregator,
		Recordings:  recordingMgr,
		Transcripts: transcriptStore,
		SearchIndex: searchIndex,
		Broadcaster: broadcaster,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return embeddingService.Run(ctx)
	})

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: router}
	group.Go(func() error {
		logger.Infow("http server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var httpsServer *http.Server
	if cfg.HTTPSPort > 0 && cfg.TLSCert != "" && cfg.TLSKey != "" {
		httpsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPSPort), Handler: router}
		group.Go(func() error {
			logger.Infow("https server listening", "port", cfg.HTTPSPort)
			if err := httpsServer.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Infow("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if httpsServer != nil {
			httpsServer.Shutdown(shutdownCtx)
		}

		core.CloseAll()
		transcriptionMgr.StopAll()
		return nil
	})

	return group.Wait()
}

// ensureWhisperModel fetches the model artifact when it is missing and a
// download URL is configured. Missing model with no URL fails startup
// early instead of on the first produced track.
func ensureWhisperModel(logger commons.Logger, cfg *config.AppConfig) error {
	_, err := transcription.ResolveModelPath(cfg.WhisperModelDir, cfg.WhisperModelSize, "en")
	if err == nil {
		return nil
	}
	if !errors.Is(err, transcription.ErrModelMissing) {
		return err
	}
	if cfg.WhisperModelURL == "" {
		return err
	}

	if err := os.MkdirAll(cfg.WhisperModelDir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	dest := filepath.Join(cfg.WhisperModelDir, fmt.Sprintf("ggml-%s.bin", cfg.WhisperModelSize))
	logger.Infow("whisper model missing, downloading", "url", cfg.WhisperModelURL, "dest", dest)
	return transcription.NewDownloader(logger).Download(context.Background(), cfg.WhisperModelURL, dest)
}

// bootstrapSingleTenant ensures the default tenant and its "main" room
// exist, creating them idempotently on startup.
func bootstrapSingleTenant(db *gorm.DB, adminKey string) error {
	if adminKey == "" {
		adminKey = uuid.NewString()
		fmt.Fprintf(os.Stderr, "generated admin key: %s\n", adminKey)
	}

	var tenant entity.Tenant
	err := db.Where("name = ?", "default").First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tenant = entity.Tenant{Name: "default", APIKey: adminKey, CreatedAt: time.Now()}
		if err := db.Create(&tenant).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	var room entity.Room
	err = db.Where("slug = ?", "main").First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		room = entity.Room{
			TenantID:       tenant.ID,
			Name:           "main",
			Slug:           "main",
			IsLocalOnly:    true,
			IceServersJSON: "[]",
			CreatedAt:      time.Now(),
		}
		return db.Create(&room).Error
	}
	return err
}
