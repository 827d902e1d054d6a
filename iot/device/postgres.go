package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/telemetry/core/csql"
)

const uniqueViolation = "23505"

// Postgres is a Directory on a postgres table "device". Liveness changes run in a
// transaction which locks the device row, so concurrent updates of one device are
// serialized by the database.
type Postgres struct {
	db      *csql.DB
	columns string
	table   string
}

// NewPostgres creates the device table if it does not exist yet and returns the directory
func NewPostgres(db *csql.DB) *Postgres {
	if db == nil {
		panic("DB is missing")
	}
	p := &Postgres{
		db:      db,
		table:   db.Table("device"),
		columns: "device_id, external_id, name, status, last_seen, created_at",
	}
	p.mustCreateTable()
	return p
}

func (p *Postgres) mustCreateTable() {
	// poor man's database migrations
	_, err := p.db.Exec(`CREATE table IF NOT EXISTS ` + p.table + `
(device_id uuid NOT NULL DEFAULT uuid_generate_v4(),
external_id varchar(100) NOT NULL UNIQUE,
name varchar NOT NULL DEFAULT '',
status varchar NOT NULL DEFAULT 'OFFLINE',
last_seen timestamp,
created_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);`)
	if err != nil {
		panic(err)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d        Device
		status   string
		lastSeen sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.ExternalID, &d.Name, &status, &lastSeen, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.CreatedAt = d.CreatedAt.UTC()
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		d.LastSeen = &t
	}
	return &d, nil
}

func (p *Postgres) queryOne(ctx context.Context, q scannerQuerier, where string, arg any) (*Device, error) {
	d, err := scanDevice(q.QueryRowContext(ctx, `SELECT `+p.columns+` FROM `+p.table+` WHERE `+where, arg))
	if errors.Is(err, csql.ErrNoRows) {
		return nil, ErrUnknownDevice
	}
	return d, err
}

type scannerQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Lookup implements Directory
func (p *Postgres) Lookup(ctx context.Context, externalID string) (*Device, error) {
	return p.queryOne(ctx, p.db, `external_id=$1;`, externalID)
}

// Get implements Directory
func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	return p.queryOne(ctx, p.db, `device_id=$1;`, id)
}

// RecordSeen implements Directory
func (p *Postgres) RecordSeen(ctx context.Context, id uuid.UUID, at time.Time) (*Device, error) {
	return p.update(ctx, id, func(d *Device) { d.Observe(at) })
}

// SetStatus implements Directory
func (p *Postgres) SetStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) (*Device, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	return p.update(ctx, id, func(d *Device) { d.SetStatus(status, at) })
}

// update locks the device row, applies the transition and writes the result back
func (p *Postgres) update(ctx context.Context, id uuid.UUID, transition func(d *Device)) (*Device, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	d, err := p.queryOne(ctx, tx, `device_id=$1 FOR UPDATE;`, id)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	transition(d)
	_, err = tx.ExecContext(ctx, `UPDATE `+p.table+` SET status=$2, last_seen=$3 WHERE device_id=$1;`,
		d.ID, string(d.Status), d.LastSeen)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// Register implements Directory
func (p *Postgres) Register(ctx context.Context, d *Device) error {
	if err := ValidateExternalID(d.ExternalID); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO `+p.table+` (`+p.columns+`) VALUES($1,$2,$3,$4,$5,$6);`,
		d.ID, d.ExternalID, d.Name, string(d.Status), d.LastSeen, d.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ExternalID)
	}
	return err
}

// Statistics implements Directory
func (p *Postgres) Statistics(ctx context.Context) (Statistics, error) {
	s := newStatistics()
	rows, err := p.db.QueryContext(ctx, `SELECT status, count(*) FROM `+p.table+` GROUP BY status;`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return s, err
		}
		s.ByStatus[Status(status)] = count
		s.Total += count
	}
	return s, rows.Err()
}

// SeenBefore implements Directory
func (p *Postgres) SeenBefore(ctx context.Context, t time.Time) ([]Device, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+p.columns+` FROM `+p.table+` WHERE last_seen < $1 ORDER BY last_seen;`, t.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}
