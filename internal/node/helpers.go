package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-consensus/config"
	klog "github.com/Klingon-tech/klingnet-consensus/internal/log"
	"github.com/Klingon-tech/klingnet-consensus/internal/storage"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openDB opens the consensus database: Badger on disk, or in memory when
// the journal is disabled or configured in-memory.
func openDB(cfg *config.Config) (storage.DB, error) {
	if !cfg.Journal.Enabled {
		return storage.NewMemory(), nil
	}
	if cfg.Journal.InMemory {
		db, err := storage.NewBadgerInMemory()
		if err != nil {
			return nil, fmt.Errorf("open in-memory database: %w", err)
		}
		return db, nil
	}

	dir := expandHome(cfg.ConsensusDir())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	db, err := storage.NewBadger(dir)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", dir, err)
	}
	klog.Storage.Info().Str("path", dir).Msg("Database opened")
	return db, nil
}
