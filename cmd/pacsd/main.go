package main

import (
	_ "embed"
	"flag"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pacsd/pkg/archive"
	"pacsd/pkg/config"
	"pacsd/pkg/index"
	"pacsd/pkg/jobs"
	"pacsd/pkg/log"
	"pacsd/pkg/peers"
	"pacsd/pkg/server"
	"pacsd/pkg/storage"
	"pacsd/pkg/storage/fs"
)

//go:embed VERSION
var Version string

func main() {
	// Initialize logger first
	_ = log.Logger

	configPath := flag.String("config", "", "Configuration file path (YAML)")
	addr := flag.String("addr", "", "Listen address, overrides the configuration file")
	storageDir := flag.String("storage", "", "Storage directory path, overrides the configuration file")
	indexPath := flag.String("index", "", "Index database path, overrides the configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *storageDir != "" {
		cfg.StorageDirectory = *storageDir
	}
	if *indexPath != "" {
		cfg.IndexPath = *indexPath
	}

	if *debug {
		log.SetDebugMode()
	} else {
		log.SetLevel(cfg.LogLevel)
	}

	area, err := fs.New(cfg.StorageDirectory)
	if err != nil {
		log.Fatal().Err(err).Str("storage_dir", cfg.StorageDirectory).Msg("Failed to open storage area")
	}

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		log.Fatal().Err(err).Str("index", cfg.IndexPath).Msg("Failed to open index database")
	}
	defer func() { _ = store.Close() }()
	pruner := storage.NewPruner(area)
	defer pruner.Close()
	store.SetListener(pruner)

	service := archive.NewService(store, area, cfg.MaxStorageBytes)

	registry := jobs.NewRegistry(cfg.MaxCompletedJobs)
	peerClient := peers.NewClient(0)
	archive.RegisterBuiltinJobs(registry, service, peerClient, nil)

	if snapshot, found, err := service.LoadJobsRegistry(); err != nil {
		log.Warn().Err(err).Msg("Cannot read the persisted jobs registry")
	} else if found {
		if err := registry.Restore(snapshot); err != nil {
			log.Warn().Err(err).Msg("Cannot restore the persisted jobs registry")
		}
	}

	engine := jobs.NewEngine(registry, prometheus.DefaultRegisterer)
	if cfg.Workers > 0 {
		if err := engine.SetWorkersCount(cfg.Workers); err != nil {
			log.Fatal().Err(err).Msg("Failed to size the jobs engine")
		}
	}
	if err := engine.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start the jobs engine")
	}

	stopSnapshots := make(chan struct{})
	go snapshotLoop(service, registry, cfg.SnapshotEvery, stopSnapshots)

	rest := server.NewServer(service, registry, prometheus.DefaultGatherer, strings.TrimSpace(Version))
	if err := rest.Start(cfg.Addr); err != nil {
		log.Error().Err(err).Msg("Server stopped with an error")
	}

	close(stopSnapshots)
	if err := engine.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop the jobs engine")
	}
	saveSnapshot(service, registry)
}

// snapshotLoop persists the jobs registry periodically so a crash loses
// at most one interval of job progress.
func snapshotLoop(service *archive.Service, registry *jobs.Registry, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			saveSnapshot(service, registry)
		}
	}
}

func saveSnapshot(service *archive.Service, registry *jobs.Registry) {
	snapshot, err := registry.Serialize()
	if err != nil {
		log.Warn().Err(err).Msg("Cannot serialize the jobs registry")
		return
	}
	if err := service.SaveJobsRegistry(snapshot); err != nil {
		log.Warn().Err(err).Msg("Cannot persist the jobs registry")
	}
}
