// Package sqlstore implements the TreeStore on a relational database through gorm.
//
// SQLite and MySQL dialects are supported. Scope reads inside a transaction take
// row locks (SELECT ... FOR UPDATE) where the dialect has them; SQLite instead
// serialises writers at the database level with BEGIN IMMEDIATE.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jacentio/treeorder/order"
	"github.com/jacentio/treeorder/store"
)

// row is the persisted layout of an item.
type row struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:255;not null"`
	Kind      string `gorm:"size:16;not null"`
	Icon      string `gorm:"size:32;not null"`
	ParentID  *int64 `gorm:"index:idx_items_scope,priority:1"`
	Position  int    `gorm:"not null;index:idx_items_scope,priority:2"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (row) TableName() string { return "items" }

func (r row) item() (store.Item, error) {
	kind, err := store.ParseKind(r.Kind)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %d: %w", r.ID, err)
	}
	icon, err := store.ParseIcon(r.Icon)
	if err != nil {
		return store.Item{}, fmt.Errorf("item %d: %w", r.ID, err)
	}
	return store.Item{
		ID:        r.ID,
		Name:      r.Name,
		Kind:      kind,
		Icon:      icon,
		ParentID:  store.ParentRef(r.ParentID),
		Position:  r.Position,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Config selects the database to open.
type Config struct {
	// Driver is "sqlite" or "mysql".
	Driver string

	// DSN is the driver-specific data source name.
	DSN string

	// LogLevel is the gorm logger level. Default: logger.Error
	LogLevel logger.LogLevel
}

// Store is a gorm-backed TreeStore.
type Store struct {
	db      *gorm.DB
	locking bool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database described by cfg and migrates the schema.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	level := cfg.LogLevel
	if level == 0 {
		level = logger.Error
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db, locking: db.Dialector.Name() != "sqlite"}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// sqliteDSN makes write transactions take the database lock at BEGIN and wait
// for it, so two writers queue instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	params := []string{"_txlock=immediate", "_busy_timeout=5000"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.IndexByte(p, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

func scoped(db *gorm.DB, parent *int64) *gorm.DB {
	if parent == nil {
		return db.Where("parent_id IS NULL")
	}
	return db.Where("parent_id = ?", *parent)
}

func getRow(db *gorm.DB, id int64) (*store.Item, error) {
	var r row
	if err := db.Where("id = ?", id).Take(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("item %d: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	it, err := r.item()
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func toItems(rows []row) ([]store.Item, error) {
	items := make([]store.Item, 0, len(rows))
	for _, r := range rows {
		it, err := r.item()
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Get returns the committed item with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*store.Item, error) {
	return getRow(s.db.WithContext(ctx), id)
}

// ListAll returns every item ordered by (parentId, position). NULL parents sort
// first on both dialects.
func (s *Store) ListAll(ctx context.Context) ([]store.Item, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Order("parent_id IS NOT NULL, parent_id, position, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toItems(rows)
}

// ListScope returns the items of one scope ordered by position.
func (s *Store) ListScope(ctx context.Context, parent *int64) ([]store.Item, error) {
	var rows []row
	err := scoped(s.db.WithContext(ctx), parent).Order("position, id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toItems(rows)
}

// Begin opens a database transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	db := s.db.WithContext(ctx).Begin()
	if db.Error != nil {
		return nil, db.Error
	}
	return &tx{db: db, locking: s.locking}, nil
}

type tx struct {
	db      *gorm.DB
	locking bool
	done    bool
}

// forUpdate adds a row lock to reads on dialects that support one.
func (t *tx) forUpdate() *gorm.DB {
	if t.locking {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func (t *tx) Get(ctx context.Context, id int64) (*store.Item, error) {
	return getRow(t.forUpdate().WithContext(ctx), id)
}

func (t *tx) ScopeSize(ctx context.Context, parent *int64) (int, error) {
	// Lock the scope's rows, then count them.
	var ids []int64
	err := scoped(t.forUpdate().WithContext(ctx).Model(&row{}), parent).Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (t *tx) HasChildren(ctx context.Context, id int64) (bool, error) {
	var ids []int64
	err := t.forUpdate().WithContext(ctx).Model(&row{}).
		Where("parent_id = ?", id).Limit(1).Pluck("id", &ids).Error
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (t *tx) Shift(ctx context.Context, s order.Shift, now time.Time) error {
	if s.Range.Empty() || s.Delta == 0 {
		return nil
	}
	q := scoped(t.db.WithContext(ctx).Model(&row{}), s.Parent).Where("position >= ?", s.Range.From)
	if s.Range.To != order.Open {
		q = q.Where("position <= ?", s.Range.To)
	}
	return q.Updates(map[string]any{
		"position":   gorm.Expr("position + ?", s.Delta),
		"updated_at": now,
	}).Error
}

func (t *tx) Insert(ctx context.Context, d store.Draft, parent *int64, position int, now time.Time) (*store.Item, error) {
	r := row{
		Name:      d.Name,
		Kind:      d.Kind.String(),
		Icon:      d.Icon.String(),
		ParentID:  store.ParentRef(parent),
		Position:  position,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.db.WithContext(ctx).Create(&r).Error; err != nil {
		return nil, err
	}
	it, err := r.item()
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (t *tx) Place(ctx context.Context, id int64, parent *int64, position int, now time.Time) (*store.Item, error) {
	// MySQL reports unchanged rows as unaffected, so existence is checked first.
	if _, err := t.Get(ctx, id); err != nil {
		return nil, err
	}
	err := t.db.WithContext(ctx).Model(&row{}).Where("id = ?", id).Updates(map[string]any{
		"parent_id":  store.ParentRef(parent),
		"position":   position,
		"updated_at": now,
	}).Error
	if err != nil {
		return nil, err
	}
	return getRow(t.db.WithContext(ctx), id)
}

func (t *tx) Delete(ctx context.Context, id int64) error {
	res := t.db.WithContext(ctx).Where("id = ?", id).Delete(&row{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("item %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errors.New("sqlstore: transaction already finished")
	}
	t.done = true
	return t.db.Commit().Error
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.db.Rollback().Error
}
