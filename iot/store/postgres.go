package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/relabs-tech/telemetry/core/csql"
	"github.com/relabs-tech/telemetry/iot/telemetry"
)

const sampleColumns = `serial, sample_id, device_id, event_time, topic, payload, data_type, unit,
value_numeric, value_string, value_boolean, quality, received_at`

// Postgres is a Store on the postgres table "telemetry_data". The serial column
// records insertion order.
type Postgres struct {
	db    *csql.DB
	table string
}

// NewPostgres creates the telemetry table if it does not exist yet and returns the store
func NewPostgres(db *csql.DB) *Postgres {
	if db == nil {
		panic("DB is missing")
	}
	p := &Postgres{db: db, table: db.Table("telemetry_data")}
	p.mustCreateTable()
	return p
}

func (p *Postgres) mustCreateTable() {
	// poor man's database migrations
	_, err := p.db.Exec(`CREATE table IF NOT EXISTS ` + p.table + `
(serial BIGSERIAL,
sample_id uuid NOT NULL UNIQUE,
device_id uuid NOT NULL,
event_time timestamp NOT NULL,
topic varchar NOT NULL,
payload bytea NOT NULL,
data_type varchar,
unit varchar,
value_numeric double precision,
value_string text,
value_boolean boolean,
quality integer,
received_at timestamp NOT NULL,
PRIMARY KEY(serial)
);
CREATE index IF NOT EXISTS telemetry_data_device_time ON ` + p.table + `(device_id, event_time);
CREATE index IF NOT EXISTS telemetry_data_type_time ON ` + p.table + `(data_type, event_time);
`)
	if err != nil {
		panic(err)
	}
}

// Append implements Store
func (p *Postgres) Append(ctx context.Context, s *telemetry.Sample) error {
	var quality *int64
	if s.Quality != nil {
		q := int64(*s.Quality)
		quality = &q
	}
	return p.db.QueryRowContext(ctx, `INSERT INTO `+p.table+`
(sample_id, device_id, event_time, topic, payload, data_type, unit, value_numeric, value_string, value_boolean, quality, received_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING serial;`,
		s.ID, s.DeviceID, s.Timestamp.UTC(), s.Topic, []byte(s.Payload), s.DataType, s.Unit,
		s.ValueNumeric, s.ValueString, s.ValueBoolean, quality, s.ReceivedAt.UTC(),
	).Scan(&s.Serial)
}

// Select implements Store
func (p *Postgres) Select(ctx context.Context, f Filter) ([]telemetry.Sample, error) {
	where, args := whereClause(f)
	query := `SELECT ` + sampleColumns + ` FROM ` + p.table + where +
		` ORDER BY event_time DESC, received_at DESC, serial DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := p.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []telemetry.Sample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Reduce implements Store
func (p *Postgres) Reduce(ctx context.Context, f Filter, op Op) (Aggregate, error) {
	var agg Aggregate
	if _, err := ParseOp(string(op)); err != nil {
		return agg, err
	}
	where, args := whereClause(f)
	if where == "" {
		where = ` WHERE value_numeric IS NOT NULL`
	} else {
		where += ` AND value_numeric IS NOT NULL`
	}
	var value sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT `+string(op)+`(value_numeric), count(value_numeric) FROM `+p.table+where+`;`, args...,
	).Scan(&value, &agg.Count)
	if err != nil {
		return agg, err
	}
	if value.Valid {
		agg.Value = value.Float64
	}
	return agg, nil
}

// PurgeBefore implements Store
func (p *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+p.table+` WHERE event_time < $1;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func whereClause(f Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(condition string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}
	if f.DeviceID != nil {
		add("device_id=$%d", *f.DeviceID)
	}
	if f.Channel != "" {
		add("data_type=$%d", f.Channel)
	}
	if f.Topic != "" {
		add("topic=$%d", f.Topic)
	}
	if f.Start != nil {
		add("event_time>=$%d", f.Start.UTC())
	}
	if f.End != nil {
		add("event_time<=$%d", f.End.UTC())
	}
	if len(conditions) == 0 {
		return "", args
	}
	return ` WHERE ` + strings.Join(conditions, " AND "), args
}

func scanSample(rows *sql.Rows) (telemetry.Sample, error) {
	var (
		s            telemetry.Sample
		dataType     sql.NullString
		unit         sql.NullString
		valueNumeric sql.NullFloat64
		valueString  sql.NullString
		valueBoolean sql.NullBool
		quality      sql.NullInt64
	)
	err := rows.Scan(&s.Serial, &s.ID, &s.DeviceID, &s.Timestamp, &s.Topic, &s.Payload, &dataType, &unit,
		&valueNumeric, &valueString, &valueBoolean, &quality, &s.ReceivedAt)
	if err != nil {
		return s, err
	}
	s.Timestamp = s.Timestamp.UTC()
	s.ReceivedAt = s.ReceivedAt.UTC()
	if dataType.Valid {
		s.DataType = &dataType.String
	}
	if unit.Valid {
		s.Unit = &unit.String
	}
	if valueNumeric.Valid {
		s.ValueNumeric = &valueNumeric.Float64
	}
	if valueString.Valid {
		s.ValueString = &valueString.String
	}
	if valueBoolean.Valid {
		s.ValueBoolean = &valueBoolean.Bool
	}
	if quality.Valid {
		q := int(quality.Int64)
		s.Quality = &q
	}
	return s, nil
}
