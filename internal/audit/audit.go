// Package audit keeps an optional on-disk history of broadcast deltas.
// Writes are asynchronous and best-effort: a full queue drops entries with
// a warning rather than ever slowing down the broadcast path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/syncbridge/sessionsync/internal/ws"
)

// seq is not unique across process restarts (the broadcaster's sequence
// starts over at 1), so rows get their own autoincrement key and seq is
// just an indexed column.
const schema = `
CREATE TABLE IF NOT EXISTS deltas (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	seq        INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	ts         TEXT NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deltas_seq ON deltas(seq);
CREATE INDEX IF NOT EXISTS idx_deltas_session ON deltas(session_id);
`

const queueSize = 1024

type entry struct {
	msg     ws.Message
	payload []byte
}

// Log is a SQLite-backed delta history. Payloads are stored zstd-compressed.
type Log struct {
	db     *sql.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	queue  chan entry
	logger *zap.Logger
}

// Open creates or opens the audit database at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Log{
		db:     db,
		enc:    enc,
		dec:    dec,
		queue:  make(chan entry, queueSize),
		logger: logger,
	}, nil
}

// Record queues one broadcast message for persistence. Never blocks.
func (l *Log) Record(msg ws.Message, payload []byte) {
	select {
	case l.queue <- entry{msg: msg, payload: payload}:
	default:
		l.logger.Warn("audit queue full, dropping delta",
			zap.Uint64("sequence", msg.Sequence),
		)
	}
}

// Run drains the write queue. Call in a goroutine.
// Returns when context is cancelled, after flushing what is already queued.
func (l *Log) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-l.queue:
					l.insert(e)
				default:
					l.logger.Info("audit log stopping")
					return
				}
			}
		case e := <-l.queue:
			l.insert(e)
		}
	}
}

func (l *Log) insert(e entry) {
	compressed := l.enc.EncodeAll(e.payload, nil)
	_, err := l.db.Exec(
		"INSERT INTO deltas (seq, session_id, kind, ts, payload) VALUES (?, ?, ?, ?, ?)",
		e.msg.Sequence, e.msg.SessionID, e.msg.Kind, e.msg.Timestamp, compressed,
	)
	if err != nil {
		l.logger.Warn("audit insert failed",
			zap.Uint64("sequence", e.msg.Sequence),
			zap.Error(err),
		)
	}
}

// Since returns up to limit recorded messages with sequence > sinceSeq,
// oldest recorded first, decompressed back to their wire form. Ordering
// follows insertion order, not seq, so history recorded after a sequence
// restart still comes back.
func (l *Log) Since(ctx context.Context, sinceSeq uint64, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT payload FROM deltas WHERE seq > ? ORDER BY id ASC LIMIT ?",
		sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var compressed []byte
		if err := rows.Scan(&compressed); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		payload, err := l.dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing audit payload: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// Close releases the database and codec resources.
func (l *Log) Close() error {
	l.enc.Close()
	l.dec.Close()
	return l.db.Close()
}
