package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/patchd/internal/logx"
	"github.com/msageha/patchd/internal/model"
)

//go:embed migrations.sql
var migrations string

type sqliteHistory struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(path string, log logx.Logger) (History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA busy_timeout = 5000")
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &sqliteHistory{db: db, log: log.Component("history")}, nil
}

func (s *sqliteHistory) Append(ctx context.Context, e model.Entry) (model.Entry, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	e.Seq = 0
	body, err := json.Marshal(e)
	if err != nil {
		return model.Entry{}, fmt.Errorf("marshal history entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(kind, at, patch_id, short_id, status, body) VALUES(?,?,?,?,?,?)`,
		string(e.Kind), e.At.Format(time.RFC3339Nano), e.PatchID(), nullStr(e.ShortID()),
		nullStr(string(e.Status())), string(body),
	)
	if err != nil {
		return model.Entry{}, fmt.Errorf("append history: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.Entry{}, fmt.Errorf("history seq: %w", err)
	}
	e.Seq = seq
	return e, nil
}

func (s *sqliteHistory) Entries(ctx context.Context) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, body FROM entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var e model.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			s.log.Warn("skipping unreadable history row", logx.Int64("seq", seq), logx.Err(err))
			continue
		}
		e.Seq = seq
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqliteHistory) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
