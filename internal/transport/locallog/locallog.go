// Package locallog implements the durable local transport: an append-only,
// encrypted operation log in an embedded SQLite database.
//
// Every applied transaction (local or remote origin) is sealed under the
// log's derived key and appended. On startup the log is replayed into the
// store before any network transport starts; the device is not considered
// synced until that load completes. Because the store's merge is idempotent
// last-writer-wins, replay order and duplicates are harmless.
package locallog

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/transport"
	"github.com/linkmesh/linkmesh/internal/wire"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// originReplay tags records applied from the log during startup. Replayed
// transactions never enter the undo stack.
const originReplay = store.Origin("locallog")

// Log is the durable local transport.
type Log struct {
	db      *sql.DB
	path    string
	sealKey [wire.KeySize]byte
	source  *store.Store
	apply   transport.ApplyFunc
	logger  *log.Logger

	mu     sync.Mutex
	state  transport.State
	detail string
	loaded bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates the log at path, creating the database and schema as needed.
//
// The caller must call Load before Start, and Stop when done.
func Open(path string, sealKey [wire.KeySize]byte, source *store.Store, apply transport.ApplyFunc, logger *log.Logger) (*Log, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[locallog] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping log database: %w", err)
	}

	// WAL keeps readers unblocked while the change feed appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS oplog (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		origin     TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		iv         TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize log schema: %w", err)
	}

	return &Log{
		db:      db,
		path:    path,
		sealKey: sealKey,
		source:  source,
		apply:   apply,
		logger:  logger,
		state:   transport.StateIdle,
	}, nil
}

// Name implements Transport.
func (l *Log) Name() string { return "locallog" }

// Loaded reports whether the startup replay has completed.
func (l *Log) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Load replays every logged transaction into the store. It must complete
// before the device is considered synced.
func (l *Log) Load(ctx context.Context) error {
	l.setState(transport.StateLoading, "")

	rows, err := l.db.QueryContext(ctx, "SELECT seq, ciphertext, iv FROM oplog ORDER BY seq ASC")
	if err != nil {
		l.setState(transport.StateError, err.Error())
		return fmt.Errorf("failed to read oplog: %w", err)
	}
	defer rows.Close()

	var replayed, failed int
	for rows.Next() {
		var seq int64
		var msg wire.Message
		if err := rows.Scan(&seq, &msg.Ciphertext, &msg.IV); err != nil {
			l.setState(transport.StateError, err.Error())
			return fmt.Errorf("failed to scan oplog row: %w", err)
		}

		var records []store.WireRecord
		if err := wire.Open(l.sealKey, msg, &records); err != nil {
			// A row that no longer authenticates (wrong root after a reset,
			// disk corruption) is skipped, not fatal: the rest of the log
			// still restores state.
			l.logger.Printf("WARNING: skipping unreadable oplog entry %d: %v", seq, err)
			failed++
			continue
		}
		if _, err := l.apply(originReplay, records); err != nil {
			l.logger.Printf("WARNING: failed to apply oplog entry %d: %v", seq, err)
			failed++
			continue
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		l.setState(transport.StateError, err.Error())
		return fmt.Errorf("error iterating oplog: %w", err)
	}

	l.mu.Lock()
	l.loaded = true
	l.mu.Unlock()
	l.setState(transport.StateConnected, "")

	l.logger.Printf("replayed %d oplog entries (%d skipped)", replayed, failed)
	return nil
}

// Start begins appending the store's change feed to the log.
func (l *Log) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	changes, unsubscribe := l.source.Changes()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case delta, ok := <-changes:
				if !ok {
					return
				}
				if delta.Origin == originReplay {
					continue // our own replay echoing back
				}
				if err := l.append(ctx, delta); err != nil {
					l.logger.Printf("WARNING: failed to append delta: %v", err)
				}
			}
		}
	}()
	return nil
}

// append seals and inserts one delta.
func (l *Log) append(ctx context.Context, delta store.Delta) error {
	msg, err := wire.Seal(l.sealKey, delta.Records)
	if err != nil {
		return fmt.Errorf("failed to seal delta: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		"INSERT INTO oplog (origin, ciphertext, iv, created_at) VALUES (?, ?, ?, ?)",
		string(delta.Origin), msg.Ciphertext, msg.IV, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert oplog entry: %w", err)
	}
	return nil
}

// EntryCount returns the number of logged transactions.
func (l *Log) EntryCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM oplog").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count oplog entries: %w", err)
	}
	return n, nil
}

// Status implements Transport.
func (l *Log) Status() transport.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return transport.Status{Name: "locallog", State: l.state, Detail: l.detail}
}

// Stop halts the append loop and closes the database.
func (l *Log) Stop() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()

	l.setState(transport.StateStopped, "")

	if l.db == nil {
		return nil
	}
	if _, err := l.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		l.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close log database: %w", err)
	}
	l.db = nil
	return nil
}

func (l *Log) setState(state transport.State, detail string) {
	l.mu.Lock()
	l.state = state
	l.detail = detail
	l.mu.Unlock()
}
