package main

import (
	"context"
	"os"

	"github.com/rohanthewiz/logger"

	"navigator/local"
	"navigator/models"
	"navigator/sync"
	"navigator/web"
	"navigator/web/api"
)

func main() {
	if err := run(); err != nil {
		logger.LogErr(err, "fatal startup error")
		os.Exit(1)
	}
}

func run() error {
	if err := models.InitJWT(); err != nil {
		return err
	}

	dbPath := os.Getenv("NAVIGATOR_DB_PATH")
	if dbPath == "" {
		dbPath = "navigator.duckdb"
	}
	if err := models.InitDB(dbPath); err != nil {
		return err
	}
	defer models.CloseDB()

	storePath := os.Getenv("NAVIGATOR_DEVICE_STORE")
	if storePath == "" {
		storePath = "navigator-device.db"
	}
	store, err := local.Open(storePath)
	if err != nil {
		return err
	}
	defer store.Close()

	deviceID, err := store.GetOrCreateDeviceID()
	if err != nil {
		return err
	}
	logger.Info("Device identity", "device_id", deviceID)

	syncCfg := sync.LoadConfig()
	if err := syncCfg.Validate(); err != nil {
		return err
	}

	tracker, err := sync.NewChangeTracker(store, syncCfg)
	if err != nil {
		return err
	}

	var client *sync.Client
	if syncCfg.Enabled {
		transport := sync.NewTransport(syncCfg)
		reconciler := sync.NewReconciler(store, tracker, transport)
		client = sync.NewClient(syncCfg, store, tracker, transport, reconciler, deviceID)
		client.Start(context.Background())
		defer client.Stop()
		logger.Info("Sync enabled", "upstream", syncCfg.UpstreamURL)
	} else {
		logger.Info("Sync disabled: no upstream configured")
	}

	api.SetDeviceDeps(store, deviceID, client)

	s := web.NewServer()
	return web.Run(s)
}
