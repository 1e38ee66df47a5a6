// Package main is the entry point for the VolTile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltile/server/internal/api"
	"github.com/voltile/server/internal/cache"
	"github.com/voltile/server/internal/config"
	"github.com/voltile/server/internal/data/volume"
	"github.com/voltile/server/internal/render"
	"github.com/voltile/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting VolTile server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all volumes)
	cacheManager, err := cache.NewManager(cache.Config{
		SliceCacheSizeMB: cfg.Cache.SliceSizeMB,
		SliceTTL:         time.Duration(cfg.Cache.SliceTTLMinutes) * time.Minute,
		QueryCacheSize:   1000,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize slice renderer (shared across all volumes)
	sliceRenderer := render.NewSliceRenderer(render.Config{
		SliceSize: cfg.Render.SliceSize,
	})

	// Initialize volume registry
	volumeIDs := cfg.Data.VolumeIDs()
	registry := api.NewVolumeRegistry(cfg.Data.DefaultVolume, volumeIDs, cfg.Server.Title)

	log.Printf("Initializing %d volume(s), default: %s", len(volumeIDs), cfg.Data.DefaultVolume)

	// Initialize each volume
	for _, volumeID := range volumeIDs {
		vc := cfg.Data.Volumes[volumeID]

		var (
			reader *volume.Reader
			tdb    *volume.TileDBVolume
		)
		switch {
		case vc.StorePath != "":
			reader, err = volume.NewReader(vc.StorePath)
			if err != nil {
				log.Fatalf("Failed to open volume store for %q: %v", volumeID, err)
			}
			log.Printf("  [%s] Loaded from: %s", volumeID, vc.StorePath)
		case vc.TileDBPath != "":
			tdb, err = volume.NewTileDBVolume(vc.TileDBPath)
			if err != nil {
				log.Fatalf("Failed to open TileDB array for %q: %v", volumeID, err)
			}
			log.Printf("  [%s] TileDB array: %s (supported=%v)", volumeID, tdb.URI(), tdb.Supported())
		}

		svc, err := service.NewVolumeService(service.VolumeServiceConfig{
			VolumeID: volumeID,
			Reader:   reader,
			TileDB:   tdb,
			Cache:    cacheManager,
			Renderer: sliceRenderer,
			Display:  vc.Display,
		})
		if err != nil {
			log.Fatalf("Failed to initialize service for %q: %v", volumeID, err)
		}

		shape := svc.Shape()
		lo, hi := svc.DataRange()
		log.Printf("  [%s] Shape: %dx%dx%d, data range: [%g, %g]",
			volumeID, shape[0], shape[1], shape[2], lo, hi)

		registry.Register(volumeID, svc)
	}

	// Initialize job manager for snapshot jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		OutputDir:     cfg.Jobs.OutputDir,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Snapshot job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = api.SnapshotExecutor(registry, cfg.Jobs.OutputDir)

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
