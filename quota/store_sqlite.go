package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultDocumentName is the row holding the state when no name is given.
const DefaultDocumentName = "default"

// quotaDocument stores a whole State as one JSON body. Rows are never
// updated partially.
type quotaDocument struct {
	Name      string `gorm:"primaryKey"`
	Body      string
	UpdatedAt time.Time
}

func (quotaDocument) TableName() string { return "quota_documents" }

// SQLiteStore keeps the state document in a SQLite database. Every WithLock
// runs in a BEGIN IMMEDIATE transaction, which takes the database write lock
// up front and so serializes read-modify-write cycles across processes.
type SQLiteStore struct {
	db   *gorm.DB
	name string
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_busy_timeout=10000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return NewSQLiteStoreFromDB(db, DefaultDocumentName)
}

// NewSQLiteStoreFromDB uses an existing connection; name selects the document
// row so several independent states can share one database.
func NewSQLiteStoreFromDB(db *gorm.DB, name string) (*SQLiteStore, error) {
	if name == "" {
		name = DefaultDocumentName
	}
	if err := db.AutoMigrate(&quotaDocument{}); err != nil {
		return nil, fmt.Errorf("failed to migrate SQLite database: %w", err)
	}
	return &SQLiteStore{db: db, name: name}, nil
}

// WithLock implements Store.
func (s *SQLiteStore) WithLock(ctx context.Context, fn func(Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqliteSession{tx: tx, name: s.name})
	})
}

// Close closes the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqliteSession struct {
	tx   *gorm.DB
	name string
}

func (s *sqliteSession) Load() (State, error) {
	var doc quotaDocument
	err := s.tx.Where("name = ?", s.name).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota document: %w", err)
	}
	return decodeState([]byte(doc.Body)), nil
}

func (s *sqliteSession) Save(state State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	doc := quotaDocument{Name: s.name, Body: string(data)}
	if err := s.tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&doc).Error; err != nil {
		return fmt.Errorf("failed to save quota document: %w", err)
	}
	return nil
}
