package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/batchdl/batchdl/internal/batch"
	"github.com/batchdl/batchdl/internal/config"
	"github.com/batchdl/batchdl/internal/engine"
	"github.com/batchdl/batchdl/internal/fetcher"
	"github.com/batchdl/batchdl/internal/logger"
	"github.com/batchdl/batchdl/internal/notify"
	"github.com/batchdl/batchdl/internal/repository"
	"github.com/batchdl/batchdl/internal/status"
)

// manifest is the YAML shape of a batch file given on the command line.
type manifest struct {
	Type        string  `yaml:"type"`
	Concurrency int     `yaml:"concurrency"`
	ContinueOn  bool    `yaml:"continueOnFailure"`
	MaxFailRate float64 `yaml:"maxFailureRate"`
	Items       []struct {
		ResourceID string `yaml:"resourceId"`
		URL        string `yaml:"url"`
		Type       string `yaml:"type"`
		Priority   string `yaml:"priority"`
		Filename   string `yaml:"filename"`
	} `yaml:"items"`
}

func createBatchFromFile(eng *engine.Engine, path string) (uuid.UUID, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uuid.Nil, 0, err
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid batch file %s: %w", path, err)
	}

	if m.Type == "" {
		m.Type = filepath.Base(path)
	}

	req := engine.BatchRequest{
		Type: m.Type,
		Config: batch.Config{
			Concurrency: m.Concurrency,
			FailurePolicy: batch.FailurePolicy{
				ContinueOnFailure: m.ContinueOn,
				MaxFailureRate:    m.MaxFailRate,
			},
		},
	}

	for _, item := range m.Items {
		ir := engine.ItemRequest{
			ResourceID:   item.ResourceID,
			URL:          item.URL,
			ResourceType: status.ResourceType(item.Type),
			Priority:     status.ParsePriority(item.Priority),
		}
		if item.Filename != "" {
			ir.Metadata = map[string]string{"filename": item.Filename}
		}

		req.Items = append(req.Items, ir)
	}

	b, err := eng.CreateBatch(req)
	if err != nil {
		return uuid.Nil, 0, err
	}

	return b.ID, len(m.Items), nil
}

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v\n", err)
	}

	err = os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0o755)
	if err != nil {
		log.Fatalf("Error creating data directory: %v\n", err)
	}

	err = logger.InitLogging(*debug || cfg.Debug, cfg.LogPath)
	if err != nil {
		log.Fatalf("Warning: Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	repo, err := repository.NewBboltRepository(cfg.Storage.DatabasePath)
	if err != nil {
		log.Fatalf("Error creating repository: %v\n", err)
	}

	var deliverer notify.Deliverer
	if cfg.Webhook.URL != "" {
		deliverer = notify.NewWebhookDeliverer(cfg.Webhook.URL, cfg.Webhook.Timeout)
	}

	eng := engine.New(engine.Options{
		PoolSize:           cfg.PoolSize,
		DefaultConcurrency: cfg.Batch.Concurrency,
		DefaultRetry:       cfg.Batch.RetryPolicy(),
	}, repo, fetcher.NewHTTP(cfg.Storage.DownloadDir), deliverer)

	err = eng.Start()
	if err != nil {
		log.Fatalf("Error starting engine: %v\n", err)
	}

	var batchIDs []uuid.UUID

	for _, path := range flag.Args() {
		id, count, err := createBatchFromFile(eng, path)
		if err != nil {
			log.Printf("Error creating batch from %s: %v\n", path, err)
			continue
		}

		fmt.Printf("Created batch %s with %d items\n", id, count)
		batchIDs = append(batchIDs, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if len(batchIDs) == 0 {
				continue
			}

			allDone := true
			for _, id := range batchIDs {
				st, err := eng.GetBatch(id)
				if err != nil {
					continue
				}

				fmt.Printf("batch %s: %s %.1f%% (%d/%d done, %d failed)\n",
					id, st.Status, st.Progress,
					st.Counters.Completed, st.Counters.Total, st.Counters.Failed)

				if !st.Status.IsTerminal() {
					allDone = false
				}
			}

			if allDone {
				break loop
			}
		}
	}

	logger.Infof("Shutting down engine...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = eng.Shutdown(shutdownCtx)
	if err != nil {
		log.Printf("Error during engine shutdown: %v", err)
	}

	logger.Infof("Shutdown complete.")
}
