package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/storage"
)

// mapStorageConfig picks the persistence driver. A missing section (or
// driver "none") still persists, using JSON documents under data_dir.
func mapStorageConfig(cfg *config.Config, dataDir string) (storage.Config, error) {
	fallback := storage.Config{Driver: "file", Path: filepath.Join(dataDir, "state")}
	if cfg == nil || cfg.Storage == nil {
		return fallback, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return fallback, nil
	case "file":
		if path == "" {
			path = fallback.Path
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(dataDir, "relaybot.db")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		if strings.TrimSpace(sc.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Addr: sc.Addr, Password: sc.Password, DB: sc.DB, Prefix: sc.Prefix}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
