package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/dashstate"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	eventsTableName    = "relaydash_events"
	operationTimeout   = 5 * time.Second
	sqliteBusyPragmas  = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	dialectPostgres    = "postgres"
	dialectSQLite      = "sqlite"
	sqlTimestampLayout = time.RFC3339Nano
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQL archives events into one table keyed by event id. Postgres and SQLite
// share the upsert; only placeholders and column types differ.
type SQL struct {
	dialect   string
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQL{dialect: dialectPostgres, dsn: dsn, tableName: eventsTableName, openDB: sql.Open}, nil
}

func NewSQLite(path string) (*SQL, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	return &SQL{dialect: dialectSQLite, dsn: path + sqliteBusyPragmas, tableName: eventsTableName, openDB: sql.Open}, nil
}

func (a *SQL) Append(ctx context.Context, events []dashstate.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := a.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, a.upsertQuery())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if ev.ID == "" {
			_ = tx.Rollback()
			return ErrInvalidInput
		}
		record, err := json.Marshal(ev)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		_, err = stmt.ExecContext(ctx,
			ev.ID,
			int64(ev.Seq),
			string(ev.Kind),
			ev.Refs.AgentID,
			ev.Refs.WorkflowID,
			ev.Refs.WorkflowStep,
			string(ev.Severity),
			ev.Summary,
			ev.OccurredAt.UTC().Format(sqlTimestampLayout),
			string(record),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Load returns every archived event ordered by sequence number.
func (a *SQL) Load(ctx context.Context) ([]dashstate.CanonicalEvent, error) {
	if err := a.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s ORDER BY seq ASC", quoteIdentifier(a.tableName))
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dashstate.CanonicalEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev dashstate.CanonicalEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (a *SQL) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *SQL) upsertQuery() string {
	placeholders := make([]string, 10)
	for i := range placeholders {
		if a.dialect == dialectPostgres {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf(`
		INSERT INTO %s (event_id, seq, kind, agent_id, workflow_id, workflow_step, severity, summary, occurred_at, record)
		VALUES (%s)
		ON CONFLICT (event_id)
		DO UPDATE SET workflow_step = EXCLUDED.workflow_step, summary = EXCLUDED.summary, record = EXCLUDED.record`,
		quoteIdentifier(a.tableName), strings.Join(placeholders, ", "))
}

func (a *SQL) ensureReady() error {
	if a == nil {
		return ErrInvalidInput
	}
	a.initOnce.Do(func() {
		db, err := a.openDB(a.dialect, a.dsn)
		if err != nil {
			a.initErr = err
			return
		}
		if a.dialect == dialectSQLite {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		seqType := "BIGINT"
		if a.dialect == dialectSQLite {
			seqType = "INTEGER"
		}
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				event_id TEXT PRIMARY KEY,
				seq %s NOT NULL,
				kind TEXT NOT NULL,
				agent_id TEXT NOT NULL DEFAULT '',
				workflow_id TEXT NOT NULL DEFAULT '',
				workflow_step TEXT NOT NULL DEFAULT '',
				severity TEXT NOT NULL DEFAULT 'info',
				summary TEXT NOT NULL DEFAULT '',
				occurred_at TEXT NOT NULL,
				record TEXT NOT NULL
			)`, quoteIdentifier(a.tableName), seqType)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			a.initErr = err
			return
		}
		a.db = db
	})
	return a.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
