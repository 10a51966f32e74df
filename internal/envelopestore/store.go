// Package envelopestore persists envelopes and their process events with bun
// on SQLite or Postgres. Every write that changes an envelope runs in the
// same transaction as the event recording it.
package envelopestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/uptrace/bun/extra/bunotel"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/envelope"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrNotFound reports an unknown envelope id.
var ErrNotFound = errors.New("envelopestore: envelope not found")

// ErrStatusChanged reports a guarded update that found the envelope in a
// different status than the one it was read in.
var ErrStatusChanged = errors.New("envelopestore: envelope status changed concurrently")

// Config selects the database.
type Config struct {
	Driver string
	DSN    string
	// DebugEnv names an environment variable that enables bundebug query
	// logging when set.
	DebugEnv string
}

// Store is the relational store for envelopes and events.
type Store struct {
	Queries
	db *bun.DB
}

// Open connects to the configured database and registers the tracing and
// debug query hooks.
func Open(cfg Config) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("envelopestore: dsn is required")
	}
	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("envelopestore: open %s: %w", driver, err)
	}
	var db *bun.DB
	switch driver {
	case DriverSQLite:
		// SQLite serialises writers; a single connection keeps in-memory
		// databases shared across the pool.
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case DriverPostgres:
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("envelopestore: unsupported driver %q", cfg.Driver)
	}
	db.AddQueryHook(bunotel.NewQueryHook(bunotel.WithDBName("bulkscan")))
	if cfg.DebugEnv != "" {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithEnabled(false), bundebug.FromEnv(cfg.DebugEnv)))
	}
	return New(db), nil
}

// New wraps an existing bun database.
func New(db *bun.DB) *Store {
	return &Store{Queries: Queries{db: db}, db: db}
}

// DB exposes the underlying bun database.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSchema creates the tables and indexes when missing.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []any{
		(*envelopeRecord)(nil),
		(*scannableItemRecord)(nil),
		(*paymentRecord)(nil),
		(*nonScannableItemRecord)(nil),
		(*processEventRecord)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("envelopestore: create table %T: %w", model, err)
		}
	}
	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*envelopeRecord)(nil), "envelopes_container_zip_idx", []string{"container", "zip_file_name"}},
		{(*envelopeRecord)(nil), "envelopes_status_idx", []string{"status"}},
		{(*scannableItemRecord)(nil), "scannable_items_envelope_idx", []string{"envelope_id"}},
		{(*paymentRecord)(nil), "payments_envelope_idx", []string{"envelope_id"}},
		{(*nonScannableItemRecord)(nil), "non_scannable_items_envelope_idx", []string{"envelope_id"}},
		{(*processEventRecord)(nil), "process_events_container_zip_idx", []string{"container", "zip_file_name"}},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("envelopestore: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// RunInTx runs fn in one transaction. fn must only use the Queries it is
// given.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, Queries{db: tx})
	})
}

// Queries runs statements on a database or within a transaction.
type Queries struct {
	db bun.IDB
}

// InsertEnvelope inserts env and its child rows. Missing ids are generated.
func (q Queries) InsertEnvelope(ctx context.Context, env *envelope.Envelope) error {
	if env.ID == "" {
		env.ID = ids.NewString()
	}
	if _, err := q.db.NewInsert().Model(envelopeToRecord(env)).Exec(ctx); err != nil {
		return fmt.Errorf("envelopestore: insert envelope: %w", err)
	}
	if len(env.ScannableItems) > 0 {
		items := make([]*scannableItemRecord, len(env.ScannableItems))
		for i := range env.ScannableItems {
			if env.ScannableItems[i].ID == "" {
				env.ScannableItems[i].ID = ids.NewString()
			}
			items[i] = scannableItemToRecord(env.ID, i, env.ScannableItems[i])
		}
		if _, err := q.db.NewInsert().Model(&items).Exec(ctx); err != nil {
			return fmt.Errorf("envelopestore: insert scannable items: %w", err)
		}
	}
	if len(env.Payments) > 0 {
		payments := make([]*paymentRecord, len(env.Payments))
		for i := range env.Payments {
			if env.Payments[i].ID == "" {
				env.Payments[i].ID = ids.NewString()
			}
			payments[i] = &paymentRecord{
				ID:                    env.Payments[i].ID,
				EnvelopeID:            env.ID,
				Position:              i,
				DocumentControlNumber: env.Payments[i].DocumentControlNumber,
			}
		}
		if _, err := q.db.NewInsert().Model(&payments).Exec(ctx); err != nil {
			return fmt.Errorf("envelopestore: insert payments: %w", err)
		}
	}
	if len(env.NonScannableItems) > 0 {
		items := make([]*nonScannableItemRecord, len(env.NonScannableItems))
		for i := range env.NonScannableItems {
			if env.NonScannableItems[i].ID == "" {
				env.NonScannableItems[i].ID = ids.NewString()
			}
			items[i] = &nonScannableItemRecord{
				ID:                    env.NonScannableItems[i].ID,
				EnvelopeID:            env.ID,
				Position:              i,
				DocumentControlNumber: env.NonScannableItems[i].DocumentControlNumber,
				ItemType:              env.NonScannableItems[i].ItemType,
				Notes:                 env.NonScannableItems[i].Notes,
			}
		}
		if _, err := q.db.NewInsert().Model(&items).Exec(ctx); err != nil {
			return fmt.Errorf("envelopestore: insert non-scannable items: %w", err)
		}
	}
	return nil
}

// UpdateEnvelope writes the envelope row and its scannable items back.
// Payments and non-scannable items never change after creation.
func (q Queries) UpdateEnvelope(ctx context.Context, env *envelope.Envelope) error {
	res, err := q.db.NewUpdate().Model(envelopeToRecord(env)).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("envelopestore: update envelope: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return q.updateItems(ctx, env)
}

// UpdateEnvelopeFrom is UpdateEnvelope guarded on the stored status still
// being prev. A writer that lost the race gets ErrStatusChanged; under
// Postgres the second UPDATE waits on the row lock and re-checks the guard
// against the committed row.
func (q Queries) UpdateEnvelopeFrom(ctx context.Context, env *envelope.Envelope, prev envelope.Status) error {
	res, err := q.db.NewUpdate().Model(envelopeToRecord(env)).WherePK().Where("status = ?", string(prev)).Exec(ctx)
	if err != nil {
		return fmt.Errorf("envelopestore: update envelope: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStatusChanged
	}
	return q.updateItems(ctx, env)
}

func (q Queries) updateItems(ctx context.Context, env *envelope.Envelope) error {
	for i, item := range env.ScannableItems {
		if _, err := q.db.NewUpdate().Model(scannableItemToRecord(env.ID, i, item)).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("envelopestore: update scannable item %s: %w", item.ID, err)
		}
	}
	return nil
}

// GetEnvelope loads an envelope with its children.
func (q Queries) GetEnvelope(ctx context.Context, id string) (*envelope.Envelope, error) {
	rec := new(envelopeRecord)
	if err := q.db.NewSelect().Model(rec).Where("e.id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("envelopestore: get envelope: %w", err)
	}
	return q.withChildren(ctx, rec)
}

// FindLatest returns the newest envelope for (container, zipFileName), or
// ErrNotFound.
func (q Queries) FindLatest(ctx context.Context, container, zipFileName string) (*envelope.Envelope, error) {
	rec := new(envelopeRecord)
	err := q.db.NewSelect().Model(rec).
		Where("e.container = ?", container).
		Where("e.zip_file_name = ?", zipFileName).
		OrderExpr("e.created_at DESC, e.id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("envelopestore: find envelope: %w", err)
	}
	return q.withChildren(ctx, rec)
}

// ListEnvelopes returns envelopes in status (all when empty), newest first.
func (q Queries) ListEnvelopes(ctx context.Context, status envelope.Status, limit int) ([]*envelope.Envelope, error) {
	var recs []envelopeRecord
	query := q.db.NewSelect().Model(&recs).OrderExpr("e.created_at DESC, e.id DESC")
	if status != "" {
		query = query.Where("e.status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("envelopestore: list envelopes: %w", err)
	}
	out := make([]*envelope.Envelope, len(recs))
	for i := range recs {
		out[i] = recs[i].toEnvelope()
	}
	return out, nil
}

func (q Queries) withChildren(ctx context.Context, rec *envelopeRecord) (*envelope.Envelope, error) {
	env := rec.toEnvelope()
	var items []scannableItemRecord
	if err := q.db.NewSelect().Model(&items).Where("si.envelope_id = ?", rec.ID).Order("si.position").Scan(ctx); err != nil {
		return nil, fmt.Errorf("envelopestore: load scannable items: %w", err)
	}
	for _, item := range items {
		env.ScannableItems = append(env.ScannableItems, item.toItem())
	}
	var payments []paymentRecord
	if err := q.db.NewSelect().Model(&payments).Where("p.envelope_id = ?", rec.ID).Order("p.position").Scan(ctx); err != nil {
		return nil, fmt.Errorf("envelopestore: load payments: %w", err)
	}
	for _, p := range payments {
		env.Payments = append(env.Payments, envelope.Payment{ID: p.ID, DocumentControlNumber: p.DocumentControlNumber})
	}
	var nonScannable []nonScannableItemRecord
	if err := q.db.NewSelect().Model(&nonScannable).Where("nsi.envelope_id = ?", rec.ID).Order("nsi.position").Scan(ctx); err != nil {
		return nil, fmt.Errorf("envelopestore: load non-scannable items: %w", err)
	}
	for _, n := range nonScannable {
		env.NonScannableItems = append(env.NonScannableItems, envelope.NonScannableItem{
			ID:                    n.ID,
			DocumentControlNumber: n.DocumentControlNumber,
			ItemType:              n.ItemType,
			Notes:                 n.Notes,
		})
	}
	return env, nil
}

// InsertEvent appends a process event. Missing ids are generated.
func (q Queries) InsertEvent(ctx context.Context, ev *envelope.ProcessEvent) error {
	if ev.ID == "" {
		ev.ID = ids.NewString()
	}
	if _, err := q.db.NewInsert().Model(eventToRecord(ev)).Exec(ctx); err != nil {
		return fmt.Errorf("envelopestore: insert event: %w", err)
	}
	return nil
}

// ListEvents returns the events for (container, zipFileName) oldest first.
func (q Queries) ListEvents(ctx context.Context, container, zipFileName string) ([]envelope.ProcessEvent, error) {
	var recs []processEventRecord
	err := q.db.NewSelect().Model(&recs).
		Where("pe.container = ?", container).
		Where("pe.zip_file_name = ?", zipFileName).
		OrderExpr("pe.created_at ASC, pe.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("envelopestore: list events: %w", err)
	}
	return eventsFromRecords(recs), nil
}

// ListEnvelopeEvents returns the events recorded against envelopeID oldest
// first.
func (q Queries) ListEnvelopeEvents(ctx context.Context, envelopeID string) ([]envelope.ProcessEvent, error) {
	var recs []processEventRecord
	err := q.db.NewSelect().Model(&recs).
		Where("pe.envelope_id = ?", envelopeID).
		OrderExpr("pe.created_at ASC, pe.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("envelopestore: list envelope events: %w", err)
	}
	return eventsFromRecords(recs), nil
}

func eventsFromRecords(recs []processEventRecord) []envelope.ProcessEvent {
	out := make([]envelope.ProcessEvent, len(recs))
	for i, rec := range recs {
		out[i] = rec.toEvent()
	}
	return out
}
