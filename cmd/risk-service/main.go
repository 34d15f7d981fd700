package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinsight-ai/platform/pkg/common/config"
	"github.com/clinsight-ai/platform/pkg/common/database"
	"github.com/clinsight-ai/platform/pkg/common/kafka"
	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/explain"
	"github.com/clinsight-ai/platform/pkg/features"
	"github.com/clinsight-ai/platform/pkg/observability/metrics"
	"github.com/clinsight-ai/platform/pkg/reference"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/scoring"
	"github.com/clinsight-ai/platform/pkg/serving"
	"github.com/clinsight-ai/platform/pkg/whatif"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}
	redisClient := database.GetRedis()

	events := ehr.NewRepository(db)
	if err := events.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate clinical event tables")
	}
	predictions := serving.NewRepository(db)
	if err := predictions.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate prediction log tables")
	}

	registry, err := schema.LoadRegistry(cfg.SchemaPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load feature schema registry")
	}
	scorer, err := scoring.Load(cfg.ArtifactDir, cfg.ModelName, registry)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load model artifact")
	}

	sch := registry.CurrentSchema()
	synthesizer := features.NewSynthesizer(events, sch)
	explainer := explain.New(scorer, sch)
	rescorer := whatif.NewRescorer(sch, scorer, explainer)
	referenceService := reference.NewService(events, redisClient, cfg.ReferenceCacheTTL)
	producer := kafka.NewProducer("scoring.analytics")
	defer producer.Close()

	var oidcAuth *serving.OIDCAuthenticator
	if cfg.OIDCIssuer != "" {
		oidcAuth, err = serving.NewOIDCAuthenticator(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to configure OIDC")
		}
	}

	handler := serving.NewHandler(synthesizer, scorer, explainer, rescorer, referenceService, predictions, producer, cfg.DefaultLookback)

	router := mux.NewRouter()
	router.Use(serving.Recovery, serving.Logging)
	router.Use(serving.BodyLimit(cfg.MaxRequestBody))
	router.Use(serving.Authenticate(oidcAuth))
	handler.Register(router)
	router.HandleFunc("/metrics", metrics.Handler).Methods("GET")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":           cfg.ServerHost,
			"port":           cfg.ServerPort,
			"model":          scorer.ModelName(),
			"schema_version": scorer.SchemaVersion(),
		}).Info("Risk Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Risk Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Risk Service stopped")
}
