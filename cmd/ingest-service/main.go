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
	"github.com/clinsight-ai/platform/pkg/ingestion"
	"github.com/clinsight-ai/platform/pkg/observability/metrics"
	"github.com/clinsight-ai/platform/pkg/terminology"
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
	batches := ingestion.NewRepository(db)
	if err := batches.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to migrate batch tables")
	}

	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load terminology catalog")
	}

	producer := kafka.NewProducer("clinical.events")
	defer producer.Close()
	dlq := kafka.NewProducer("clinical.events.dlq")
	defer dlq.Close()

	validator := ingestion.NewValidator(cfg.IngestAllowedSources)
	service := ingestion.NewService(validator, batches, events, &catalog, producer, dlq, cfg.IngestStatusTTL)
	handler := ingestion.NewHTTPHandler(service, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"ingest-service","time":"%s"}`, time.Now().UTC().Format(time.RFC3339))
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metrics.Handler).Methods(http.MethodGet)
	handler.Register(router)

	// Periodic removal of expired batch records.
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupDone:
				return
			case <-ticker.C:
				if err := service.Cleanup(context.Background()); err != nil {
					logger.Log.WithError(err).Error("Batch record cleanup failed")
				}
			}
		}
	}()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Ingest Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingest Service...")
	close(cleanupDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Ingest Service stopped")
}
