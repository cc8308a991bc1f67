package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	poolSize          = 8
	batchConcurrency  = 3
	maxRetries        = 3
	retryDelay        = 2 * time.Second
	backoffMultiplier = 2.0
	maxRetryDelay     = 2 * time.Minute
	webhookTimeout    = 10 * time.Second
)

var (
	downloadDir  = xdg.UserDirs.Download
	databasePath = filepath.Join(xdg.DataHome, configFileName, "state.db")
	logPath      = filepath.Join(xdg.StateHome, configFileName, configFileName+".log")
)
