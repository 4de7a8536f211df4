package db

import (
	"github.com/inboxlane/mailsync/pkg/gorm"
	"github.com/inboxlane/mailsync/repo"
)

// PostgresDb bundles the database handle with one repository per table.
// Despite the name it also runs on sqlite for tests and local development;
// every query the repositories issue works on both.
type PostgresDb struct {
	*gorm.DB
	ConnectionRepo *repo.ConnectionRepository
	FolderRepo     *repo.FolderRepository
	MessageRepo    *repo.MessageRepository
	SyncJobRepo    *repo.SyncJobRepository
	WorkerRepo     *repo.WorkerRepository
	SyncLockRepo   *repo.SyncLockRepository
}

func NewPostgresStore(dsn string, queryLogging bool) (*PostgresDb, error) {
	config := gorm.PostgresConfig(dsn, queryLogging)
	db, err := gorm.NewDatabase(config)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

// NewSQLiteStore opens a file-backed or in-memory sqlite store, used by
// tests and by deployments without a postgres DSN.
func NewSQLiteStore(path string) (*PostgresDb, error) {
	config := gorm.SQLiteConfig(path)
	db, err := gorm.NewDatabase(config)
	if err != nil {
		return nil, err
	}
	return newStore(db), nil
}

func newStore(db *gorm.DB) *PostgresDb {
	return &PostgresDb{
		DB:             db,
		ConnectionRepo: repo.NewConnectionRepository(db),
		FolderRepo:     repo.NewFolderRepository(db),
		MessageRepo:    repo.NewMessageRepository(db),
		SyncJobRepo:    repo.NewSyncJobRepository(db),
		WorkerRepo:     repo.NewWorkerRepository(db),
		SyncLockRepo:   repo.NewSyncLockRepository(db),
	}
}

// Migrate brings the schema up to date: AutoMigrate for the model shape,
// then any versioned SQL files for changes AutoMigrate cannot express.
func (s *PostgresDb) Migrate() error {
	err := s.DB.Migrate(
		&repo.EmailConnection{},
		&repo.EmailFolder{},
		&repo.CachedEmail{},
		&repo.SyncJob{},
		&repo.WorkerRecord{},
		&repo.SyncLock{},
	)
	if err != nil {
		return err
	}
	return NewMigrationRunner(s.DB).RunMigrations()
}
