package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optorch/internal/common"
	"github.com/ternarybob/optorch/internal/interfaces"
)

// Manager owns the Badger-backed key/value cache used for hot-reloadable
// Thresholds snapshots and scheduler job settings (SPEC_FULL.md §11). It is
// deliberately narrow: the relational domain (Job/Task/Metric/Artifact) lives in
// internal/store/postgres, not here.
type Manager struct {
	db *BadgerDB
	kv interfaces.KeyValueStorage
}

// NewManager opens the Badger database and wraps it in a KeyValueStorage.
func NewManager(logger arbor.ILogger, config *common.CacheConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("Badger key/value cache initialized")

	return &Manager{
		db: db,
		kv: NewKVStorage(db, logger),
	}, nil
}

// KeyValueStorage returns the KeyValue storage interface.
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
