package offchain

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Moon-Elf/ecotrace/stage"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pool for dsn and pings it once.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("offchain: database url is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("offchain: parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("offchain: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.DB.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("offchain: migrate %s: %w", name, err)
		}
	}
	return nil
}

const recordColumns = `record_id,product_id,kind,payload,content_hash,ledger_status,ledger_op,tx_ref,last_ledger_error,shipment_status,version,created_at,updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		kind     string
		status   string
		shipment string
		payload  []byte
	)
	err := row.Scan(&rec.RecordID, &rec.ProductID, &kind, &payload, &rec.ContentHash, &status,
		&rec.LedgerOp, &rec.TxRef, &rec.LastLedgerError, &shipment, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Kind = stage.Kind(kind)
	rec.LedgerStatus = LedgerStatus(status)
	rec.Shipment = stage.ShipmentStatus(shipment)
	if rec.Payload, err = decodePayload(payload); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Postgres) Create(ctx context.Context, rec Record) (string, error) {
	if err := checkNew(rec); err != nil {
		return "", err
	}
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.LedgerStatus == "" {
		rec.LedgerStatus = LedgerUnconfirmed
	}
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return "", err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO stage_records(record_id,product_id,kind,payload,content_hash,ledger_status,ledger_op,tx_ref,last_ledger_error,shipment_status)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7,$8,$9,$10)
`, rec.RecordID, rec.ProductID, string(rec.Kind), string(payload), rec.ContentHash, string(rec.LedgerStatus),
		rec.LedgerOp, rec.TxRef, rec.LastLedgerError, string(rec.Shipment))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrConflict
		}
		return "", err
	}
	return rec.RecordID, nil
}

func (s *Postgres) Get(ctx context.Context, productID string) (RecordSet, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+recordColumns+` FROM stage_records WHERE product_id=$1`, productID)
	if err != nil {
		return RecordSet{}, err
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return RecordSet{}, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return RecordSet{}, err
	}
	if len(recs) == 0 {
		return RecordSet{}, ErrNotFound
	}
	return newRecordSet(productID, recs), nil
}

func (s *Postgres) GetRecord(ctx context.Context, recordID string) (Record, error) {
	return scanRecord(s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM stage_records WHERE record_id=$1`, recordID))
}

// Update applies p with a compare-and-set on version.
func (s *Postgres) Update(ctx context.Context, recordID string, p Patch) (Record, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if rec.Version != p.Version {
		return Record{}, ErrVersionConflict
	}
	p.apply(&rec)
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return Record{}, err
	}
	updated, err := scanRecord(s.DB.QueryRow(ctx, `
UPDATE stage_records
SET payload=$3::jsonb, content_hash=$4, ledger_status=$5, ledger_op=$6, tx_ref=$7,
    last_ledger_error=$8, shipment_status=$9, version=version+1, updated_at=now()
WHERE record_id=$1 AND version=$2
RETURNING `+recordColumns,
		recordID, p.Version, string(payload), rec.ContentHash, string(rec.LedgerStatus), rec.LedgerOp, rec.TxRef,
		rec.LastLedgerError, string(rec.Shipment)))
	if errors.Is(err, ErrNotFound) {
		// The row existed a moment ago, so someone else bumped the version.
		return Record{}, ErrVersionConflict
	}
	return updated, err
}

func (s *Postgres) Unconfirmed(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.Query(ctx, `
SELECT `+recordColumns+`
FROM stage_records
WHERE ledger_status=$1
ORDER BY updated_at, record_id
LIMIT $2
`, string(LedgerUnconfirmed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
