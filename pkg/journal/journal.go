// Package journal keeps a rolling sqlite log of cascade events so that an
// operator can see what changed and when.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	queueSize  = 1024
	trimEvery  = 100
	defaultMax = 10000
)

// Entry is one journaled event.
type Entry struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Type    string          `json:"type"`
	Origin  string          `json:"origin"`
	Routers []string        `json:"routers"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

type Journal struct {
	db      *sql.DB
	log     *logrus.Entry
	queue   chan Entry
	maxRows int
	written int
}

// Open creates the database and schema if needed.
func Open(ctx context.Context, path string, log *logrus.Entry) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS events(id INTEGER PRIMARY KEY AUTOINCREMENT, ts INTEGER, type TEXT, origin TEXT, routers TEXT, detail TEXT); CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{
		db:      db,
		log:     log,
		queue:   make(chan Entry, queueSize),
		maxRows: defaultMax,
	}, nil
}

// Record queues e for Run without blocking. Entries are dropped when the
// writer falls behind.
func (j *Journal) Record(e Entry) {
	select {
	case j.queue <- e:
	default:
		j.log.WithField("type", e.Type).Warn("journal queue full, entry dropped")
	}
}

// Run writes queued entries until ctx ends, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case e := <-j.queue:
			j.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-j.queue:
					j.write(e)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.Append(ctx, e); err != nil {
		j.log.WithError(err).Error("journal write failed")
	}
}

// Append stores e synchronously.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `INSERT INTO events(ts, type, origin, routers, detail) VALUES(?,?,?,?,?)`,
		e.Time.UnixMilli(), e.Type, e.Origin, strings.Join(e.Routers, ","), string(e.Detail))
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	j.written++
	if j.written%trimEvery == 0 {
		_, err = j.db.ExecContext(ctx, `DELETE FROM events WHERE id <= (SELECT MAX(id) FROM events) - ?`, j.maxRows)
		if err != nil {
			return fmt.Errorf("journal trim: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `SELECT id, ts, type, origin, routers, detail FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			ts      int64
			routers string
			detail  string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.Origin, &routers, &detail); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.Time = time.UnixMilli(ts)
		e.Routers = []string{}
		if routers != "" {
			e.Routers = strings.Split(routers, ",")
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}
