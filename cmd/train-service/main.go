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
	"github.com/clinsight-ai/platform/pkg/common/logger"
	"github.com/clinsight-ai/platform/pkg/ehr"
	"github.com/clinsight-ai/platform/pkg/features"
	"github.com/clinsight-ai/platform/pkg/schema"
	"github.com/clinsight-ai/platform/pkg/training"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to connect to database")
	}

	events := ehr.NewRepository(db)
	if err := events.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate clinical event tables")
	}
	jobs := training.NewRepository(db)
	if err := jobs.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate training job tables")
	}

	registry, err := schema.LoadRegistry(cfg.SchemaPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load feature schema registry")
	}
	synthesizer := features.NewSynthesizer(events, registry.CurrentSchema())

	service, err := training.NewService(jobs, events, synthesizer, registry, cfg.ArtifactDir, cfg.TrainingMaxWorkers, cfg.DefaultLookback)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize training service")
	}
	handler := training.NewHandler(service)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	handler.Register(router)

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
			"schema_version": registry.Current(),
		}).Info("Training Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Training Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Training Service stopped")
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}
