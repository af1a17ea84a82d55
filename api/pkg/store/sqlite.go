package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/specwright/specwright/api/pkg/types"
)

type StoreOptions struct {
	DataDir     string
	AutoMigrate bool
}

// SQLiteStore keeps all durable state in a single relational database
// under the user's data directory. Write operations are serialized
// per-spec; cross-spec reads are non-blocking.
type SQLiteStore struct {
	options StoreOptions
	gdb     *gorm.DB

	specLocks *xsync.MapOf[string, *sync.Mutex]
}

func NewSQLiteStore(options StoreOptions) (*SQLiteStore, error) {
	if err := os.MkdirAll(options.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(options.DataDir, "specwright.db")
	gdb, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		options:   options,
		gdb:       gdb,
		specLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}

	if options.AutoMigrate {
		if err := store.MigrateUp(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// MigrateUp applies schema migrations, then any named migration scripts
// that have not yet run.
func (s *SQLiteStore) MigrateUp() error {
	err := s.gdb.AutoMigrate(
		&types.Project{},
		&types.Spec{},
		&types.Chunk{},
		&types.ChunkToolCall{},
		&types.Worker{},
		&types.QueueItem{},
		&types.WizardState{},
		&migrationRecord{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return s.runMigrationScripts()
}

// lockSpec serializes writes touching one spec's rows.
func (s *SQLiteStore) lockSpec(specID string) func() {
	mu, _ := s.specLocks.LoadOrStore(specID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

type migrationRecord struct {
	Name  string `gorm:"primaryKey"`
	RunAt time.Time
}

func (s *SQLiteStore) runMigrationScripts() error {
	for _, name := range migrationOrder {
		var existing migrationRecord
		err := s.gdb.Where("name = ?", name).First(&existing).Error
		if err == nil {
			continue
		}

		log.Info().Str("migration", name).Msg("running migration script")
		if err := migrationScripts[name](s.gdb); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if err := s.gdb.Create(&migrationRecord{Name: name, RunAt: time.Now()}).Error; err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
	}
	return nil
}
