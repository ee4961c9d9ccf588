package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/agentmold/backend/internal/ids"
)

// PostgresStore backs both streams with two append-only tables.
// The tables carry no UPDATE/DELETE paths; retention is out-of-band.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore opens the connection pool and ensures the tables exist.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_events (
			id             BIGSERIAL PRIMARY KEY,
			event_type     TEXT        NOT NULL,
			ts             TIMESTAMPTZ NOT NULL,
			correlation_id TEXT        NOT NULL,
			customer_id    TEXT        NOT NULL,
			agent_id       TEXT        NOT NULL,
			purpose        TEXT,
			model          TEXT,
			cache_hit      BOOLEAN     NOT NULL DEFAULT FALSE,
			tokens_in      BIGINT      NOT NULL DEFAULT 0,
			tokens_out     BIGINT      NOT NULL DEFAULT 0,
			cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
			plan_id        TEXT
		);
		CREATE INDEX IF NOT EXISTS usage_events_agent_ts  ON usage_events (agent_id, ts);
		CREATE INDEX IF NOT EXISTS usage_events_plan_ts   ON usage_events (plan_id, ts);
		CREATE INDEX IF NOT EXISTS usage_events_customer  ON usage_events (customer_id, ts);

		CREATE TABLE IF NOT EXISTS policy_denials (
			id             BIGSERIAL PRIMARY KEY,
			ts             TIMESTAMPTZ NOT NULL,
			correlation_id TEXT        NOT NULL,
			decision_id    TEXT        NOT NULL,
			agent_id       TEXT,
			customer_id    TEXT,
			stage          TEXT        NOT NULL,
			action         TEXT,
			reason         TEXT        NOT NULL,
			path           TEXT        NOT NULL,
			details        JSONB
		);
		CREATE INDEX IF NOT EXISTS policy_denials_corr ON policy_denials (correlation_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate audit tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) AppendUsage(ctx context.Context, ev UsageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events
			(event_type, ts, correlation_id, customer_id, agent_id, purpose,
			 model, cache_hit, tokens_in, tokens_out, cost_usd, plan_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.EventType, ev.Timestamp.UTC(), ev.CorrelationID, ev.CustomerID, ev.AgentID,
		ev.Purpose, ev.Model, ev.CacheHit, ev.TokensIn, ev.TokensOut, ev.CostUSD,
		nullable(ev.PlanID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) AppendDenial(ctx context.Context, rec PolicyDenialRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_denials
			(ts, correlation_id, decision_id, agent_id, customer_id, stage,
			 action, reason, path, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.Timestamp.UTC(), rec.CorrelationID, rec.DecisionID, rec.AgentID,
		rec.CustomerID, rec.Stage, rec.Action, rec.Reason, rec.Path, details)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) QueryUsage(ctx context.Context, q UsageQuery) ([]UsageEvent, error) {
	where, args := []string{"TRUE"}, []interface{}{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.CustomerID != "" {
		add("customer_id = $%d", q.CustomerID)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if q.EventType != "" {
		add("event_type = $%d", string(q.EventType))
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("ts < $%d", q.Until.UTC())
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_type, ts, correlation_id, customer_id, agent_id,
		       COALESCE(purpose,''), COALESCE(model,''), cache_hit,
		       tokens_in, tokens_out, cost_usd, COALESCE(plan_id,'')
		FROM usage_events WHERE %s ORDER BY ts ASC LIMIT %d`,
		strings.Join(where, " AND "), limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]UsageEvent, 0)
	for rows.Next() {
		var ev UsageEvent
		if err := rows.Scan(&ev.EventType, &ev.Timestamp, &ev.CorrelationID,
			&ev.CustomerID, &ev.AgentID, &ev.Purpose, &ev.Model, &ev.CacheHit,
			&ev.TokensIn, &ev.TokensOut, &ev.CostUSD, &ev.PlanID); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryDenials(ctx context.Context, q DenialQuery) ([]PolicyDenialRecord, error) {
	where, args := []string{"TRUE"}, []interface{}{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if q.CustomerID != "" {
		add("customer_id = $%d", q.CustomerID)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT ts, correlation_id, decision_id, COALESCE(agent_id,''),
		       COALESCE(customer_id,''), stage, COALESCE(action,''), reason,
		       path, COALESCE(details,'{}'::jsonb)::text
		FROM policy_denials WHERE %s ORDER BY ts ASC LIMIT %d`,
		strings.Join(where, " AND "), limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PolicyDenialRecord, 0)
	for rows.Next() {
		var rec PolicyDenialRecord
		var details string
		if err := rows.Scan(&rec.Timestamp, &rec.CorrelationID, &rec.DecisionID,
			&rec.AgentID, &rec.CustomerID, &rec.Stage, &rec.Action, &rec.Reason,
			&rec.Path, &details); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(details), &rec.Details)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AggregateUsage(ctx context.Context, q AggregateQuery) ([]AggregateRow, error) {
	trunc := "day"
	if q.Bucket == BucketMonth {
		trunc = "month"
	}

	where, args := []string{"TRUE"}, []interface{}{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.CustomerID != "" {
		add("customer_id = $%d", q.CustomerID)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.PlanID != "" {
		add("plan_id = $%d", q.PlanID)
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		add("ts < $%d", q.Until.UTC())
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', ts AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS bucket,
		       COUNT(*), SUM(tokens_in), SUM(tokens_out), SUM(cost_usd)
		FROM usage_events WHERE %s GROUP BY bucket ORDER BY bucket ASC`,
		trunc, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AggregateRow, 0)
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.BucketStart, &row.Events, &row.TokensIn,
			&row.TokensOut, &row.CostUSD); err != nil {
			return nil, err
		}
		row.BucketStart = row.BucketStart.UTC()
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DayTotals(ctx context.Context, customerID, agentID string, at time.Time) (Totals, error) {
	start, end := ids.DayBucket(at), ids.NextDay(at)

	where, args := []string{"ts >= $1", "ts < $2"}, []interface{}{start, end}
	if customerID != "" {
		args = append(args, customerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if agentID != "" {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}

	var t Totals
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0),
		       COALESCE(SUM(cost_usd),0)
		FROM usage_events WHERE %s`, strings.Join(where, " AND ")), args...).
		Scan(&t.Events, &t.TokensIn, &t.TokensOut, &t.CostUSD)
	return t, err
}

func (s *PostgresStore) MonthCost(ctx context.Context, planID string, at time.Time) (float64, error) {
	start, end := ids.MonthBucket(at), ids.NextMonth(at)
	var cost float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd),0) FROM usage_events
		WHERE plan_id = $1 AND ts >= $2 AND ts < $3`, planID, start, end).
		Scan(&cost)
	return cost, err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
