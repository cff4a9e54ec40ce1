// Package relstore is the relational store: the append-only reports table,
// cell/bluetooth transmitter tables (Wi-Fi lives in the geospatial cache
// instead, per spec.md §3), the h3 coverage-cell set, and monthly report
// partition management. Grounded on original_source/src/db/mod.rs and
// original_source/src/db/pool.rs; uses jackc/pgx/v5 (sourced from the
// Hola-to-network_logistics_problem example's go.mod, see DESIGN.md) the way
// the teacher's redisstore wraps go-redis: a thin struct around a pool with
// one method per operation.
package relstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eugenever/locator/internal/config"
	"github.com/eugenever/locator/internal/model"
)

// Postgres error codes handled specially for SERIALIZABLE batch processing.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// ErrRetrySerializable signals the caller should re-run the transaction.
var ErrRetrySerializable = errors.New("relstore: serialization conflict, retry")

type Store struct {
	Pool *pgxpool.Pool
}

// Open builds a connection pool sized from cfg.Database.MaxConnectionsDB and
// credentials from config.LoadDatabaseCredentials.
func Open(ctx context.Context, cfg config.Config, creds config.DatabaseCredentials) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", creds.User, creds.Password, creds.Host, creds.Port, creds.DBName)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: parse dsn: %w", err)
	}
	if cfg.Database.MaxConnectionsDB > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxConnectionsDB)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("relstore: connect: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() { s.Pool.Close() }

// InsertReport appends a raw submission for later batch processing.
func (s *Store) InsertReport(ctx context.Context, userAgent *string, raw []byte) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO reports (user_agent, raw, processed, created_at) VALUES ($1, $2, false, now()) RETURNING id`,
		userAgent, raw,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("relstore: insert report: %w", err)
	}
	return id, nil
}

// PendingReports returns up to limit unprocessed reports created within the
// last sinceDays days, oldest first, matching the batch ingestor's query window
// (spec.md §4.8, config.Database.ReportNumberDaysSearch).
func (s *Store) PendingReports(ctx context.Context, sinceDays, limit int) ([]model.Report, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, user_agent, raw, processed, processing_err FROM reports
		 WHERE processed = false AND created_at >= now() - ($1 || ' days')::interval
		 ORDER BY id ASC LIMIT $2`,
		sinceDays, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("relstore: pending reports: %w", err)
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var r model.Report
		if err := rows.Scan(&r.ID, &r.UserAgent, &r.Raw, &r.Processed, &r.ProcessingErr); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkProcessed flags reports as handled, recording procErr (nil on
// success) within a SERIALIZABLE transaction retried on conflict. The rows
// are not locked between PendingReports and this call, so two concurrent
// batch runs can both fetch and process the same report.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64, procErr *string) error {
	return s.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE reports SET processed = true, processing_err = $2 WHERE id = ANY($1)`,
			ids, procErr,
		)
		return err
	})
}

// UpsertCellTransmitter writes loc into the cell transmitter table,
// inserting it or overwriting the row with the same key.
func (s *Store) UpsertCellTransmitter(ctx context.Context, loc *model.TransmitterLocation) error {
	return s.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO cell_transmitters
			   (key, lat, lon, accuracy, total_weight, min_strength, max_strength, min_lat, min_lon, max_lat, max_lon)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT (key) DO UPDATE SET
			   lat=$2, lon=$3, accuracy=$4, total_weight=$5, min_strength=$6, max_strength=$7,
			   min_lat=$8, min_lon=$9, max_lat=$10, max_lon=$11`,
			loc.Key, loc.Lat, loc.Lon, loc.Accuracy, loc.TotalWeight, loc.MinStrength, loc.MaxStrength,
			loc.Bounds.MinLat, loc.Bounds.MinLon, loc.Bounds.MaxLat, loc.Bounds.MaxLon,
		)
		return err
	})
}

// UpsertBluetoothTransmitter mirrors UpsertCellTransmitter for Bluetooth
// beacons, which like cell towers are too numerous and low-value per key to
// justify a geospatial-index entry (spec.md §3).
func (s *Store) UpsertBluetoothTransmitter(ctx context.Context, loc *model.TransmitterLocation) error {
	return s.withSerializableRetry(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO bluetooth_transmitters
			   (key, lat, lon, accuracy, total_weight, min_strength, max_strength, min_lat, min_lon, max_lat, max_lon)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			 ON CONFLICT (key) DO UPDATE SET
			   lat=$2, lon=$3, accuracy=$4, total_weight=$5, min_strength=$6, max_strength=$7,
			   min_lat=$8, min_lon=$9, max_lat=$10, max_lon=$11`,
			loc.Key, loc.Lat, loc.Lon, loc.Accuracy, loc.TotalWeight, loc.MinStrength, loc.MaxStrength,
			loc.Bounds.MinLat, loc.Bounds.MinLon, loc.Bounds.MaxLat, loc.Bounds.MaxLon,
		)
		return err
	})
}

// RecordCoverageCell inserts an h3 cell into the coverage set, ignoring the
// duplicate-key case (set semantics).
func (s *Store) RecordCoverageCell(ctx context.Context, cell model.CoverageCell) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO coverage_cells (cell) VALUES ($1) ON CONFLICT (cell) DO NOTHING`,
		int64(cell),
	)
	return err
}

// EnsureReportPartition creates the monthly partition for t if it doesn't
// exist yet, matching the periodic partition-management supervisor
// (spec.md §4.8).
func (s *Store) EnsureReportPartition(ctx context.Context, t time.Time) error {
	name := fmt.Sprintf("reports_%04d_%02d", t.Year(), t.Month())
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF reports FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format("2006-01-02"), end.Format("2006-01-02"),
	))
	return err
}

// DropOldReportPartitions removes whole-month report partitions older than
// keepDays, matching config.Database.ReportKeepDays.
func (s *Store) DropOldReportPartitions(ctx context.Context, keepDays int) error {
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	rows, err := s.Pool.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE tablename LIKE 'reports_%'`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return err
		}
		names = append(names, n)
	}
	rows.Close()

	for _, n := range names {
		var year, month int
		if _, err := fmt.Sscanf(n, "reports_%04d_%02d", &year, &month); err != nil {
			continue
		}
		partitionEnd := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if partitionEnd.Before(cutoff) {
			if _, err := s.Pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, n)); err != nil {
				return err
			}
		}
	}
	return nil
}

// withSerializableRetry runs fn inside a SERIALIZABLE transaction, retrying
// on the two Postgres conflict codes dead_reckoning.rs and report/mod.rs
// both handle explicitly: 40001 and 40P01.
func (s *Store) withSerializableRetry(ctx context.Context, fn func(pgx.Tx) error) error {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			if isRetryable(err) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrRetrySerializable
}

func isRetryable(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		return code == pgSerializationFailure || code == pgDeadlockDetected
	}
	return false
}
