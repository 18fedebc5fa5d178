// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/aegnix-foundation/aegnix/lib/sqlitepool"
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("audit: log is closed")

	// ErrChainBroken is returned by VerifyChain when a record fails
	// recomputation. The error message carries the first broken
	// sequence number.
	ErrChainBroken = errors.New("audit: hash chain broken")
)

// Config configures a [Log]. Path and SigningKey are required.
type Config struct {
	// Path is the audit database file.
	Path string

	// SigningKey signs every entry hash. Its public half is what
	// VerifyChain checks signatures against.
	SigningKey ed25519.PrivateKey

	// QueueDepth bounds the append queue feeding the writer
	// goroutine. Defaults to 64. Callers block for the durability
	// ack regardless; the queue only smooths bursts.
	QueueDepth int

	// Logger for operational events. Defaults to discard.
	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Log is the append-only audit chain. All writes flow through one
// goroutine so sequence numbers and hash links are assigned in a
// single total order.
type Log struct {
	pool      *sqlitepool.Pool
	signKey   ed25519.PrivateKey
	verifyKey ed25519.PublicKey
	logger    *slog.Logger
	now       func() time.Time

	appends chan appendRequest
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

type appendRequest struct {
	entry *Entry
	reply chan error
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_entry (
	seq        INTEGER PRIMARY KEY,
	at         INTEGER NOT NULL,
	event      TEXT    NOT NULL,
	agent_id   TEXT    NOT NULL,
	subject    TEXT    NOT NULL DEFAULT '',
	result     TEXT    NOT NULL,
	reason     TEXT    NOT NULL DEFAULT '',
	prev_hash  BLOB    NOT NULL,
	entry_hash BLOB    NOT NULL,
	signature  BLOB    NOT NULL
) STRICT;
`

// Open opens (creating if necessary) the audit database, loads the
// chain head, and starts the writer goroutine.
func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: Config.Path is required")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("audit: Config.SigningKey is required")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			// The chain is the system of record for admission
			// decisions: a durability ack must mean fsynced.
			if err := sqlitex.ExecuteTransient(conn, "PRAGMA synchronous=FULL", nil); err != nil {
				return err
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	l := &Log{
		pool:      pool,
		signKey:   cfg.SigningKey,
		verifyKey: cfg.SigningKey.Public().(ed25519.PublicKey),
		logger:    cfg.Logger,
		now:       cfg.Now,
		appends:   make(chan appendRequest, cfg.QueueDepth),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	seq, head, err := l.loadHead(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	go l.writeLoop(seq, head)
	return l, nil
}

// loadHead reads the highest sequence number and its entry hash.
func (l *Log) loadHead(ctx context.Context) (uint64, []byte, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer l.pool.Put(conn)

	seq := uint64(0)
	head := genesisHash
	err = sqlitex.Execute(conn,
		`SELECT seq, entry_hash FROM audit_entry ORDER BY seq DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = uint64(stmt.ColumnInt64(0))
				head = make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, head)
				return nil
			},
		})
	if err != nil {
		return 0, nil, fmt.Errorf("audit: load chain head: %w", err)
	}
	return seq, head, nil
}

// writeLoop is the single writer. It owns the sequence counter and
// the chain head; no other goroutine touches either.
func (l *Log) writeLoop(seq uint64, head []byte) {
	defer close(l.done)
	handle := func(req appendRequest) {
		entry := req.entry
		entry.Sequence = seq + 1
		if err := entry.seal(head, l.signKey); err != nil {
			req.reply <- err
			return
		}
		if err := l.persist(entry); err != nil {
			// The chain head does not advance on a failed
			// write; the next append reuses this sequence.
			req.reply <- err
			return
		}
		seq = entry.Sequence
		head = entry.EntryHash
		req.reply <- nil
	}
	for {
		select {
		case req := <-l.appends:
			handle(req)
		case <-l.quit:
			// Drain requests accepted before shutdown.
			for {
				select {
				case req := <-l.appends:
					handle(req)
				default:
					return
				}
			}
		}
	}
}

// persist writes one sealed entry inside its own transaction.
func (l *Log) persist(entry *Entry) error {
	conn, err := l.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO audit_entry
		   (seq, at, event, agent_id, subject, result, reason, prev_hash, entry_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(entry.Sequence), entry.At.UnixNano(), string(entry.Event),
				entry.AgentID, entry.Subject, entry.Result, entry.Reason,
				entry.PrevHash, entry.EntryHash, entry.Signature,
			},
		})
	if err != nil {
		return fmt.Errorf("audit: persist entry %d: %w", entry.Sequence, err)
	}
	return nil
}

// Append records one event and blocks until the record is durable.
// The returned entry carries the assigned sequence number and hashes.
// A nil error means the record is committed at synchronous=FULL; any
// error means the event is NOT in the trail and the caller must treat
// the audited action as failed.
func (l *Log) Append(ctx context.Context, event Event, agentID, subjectName, result, reason string) (*Entry, error) {
	entry := &Entry{
		At:      l.now().UTC(),
		Event:   event,
		AgentID: agentID,
		Subject: subjectName,
		Result:  result,
		Reason:  reason,
	}

	req := appendRequest{entry: entry, reply: make(chan error, 1)}
	select {
	case l.appends <- req:
	case <-l.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The durability ack cannot be abandoned on ctx cancellation:
	// the writer may still commit the record, and reporting an
	// error for a committed record would desynchronize callers
	// from the trail. Waiting is bounded by SQLite's busy timeout.
	//
	// The enqueue above can race Close: the appends channel is
	// buffered, so a request may land after the writer has already
	// exited and will never be answered. Watching done alongside
	// the reply turns that into ErrClosed instead of a hang.
	select {
	case err := <-req.reply:
		if err != nil {
			return nil, err
		}
		return entry, nil
	case <-l.done:
		// The writer may have answered this request during its
		// shutdown drain just before exiting.
		select {
		case err := <-req.reply:
			if err != nil {
				return nil, err
			}
			return entry, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Head returns the current chain head (last sequence and entry hash).
func (l *Log) Head(ctx context.Context) (uint64, []byte, error) {
	return l.loadHead(ctx)
}

// Entries reads the inclusive sequence range [from, to], in order.
// to == 0 means "to the head".
func (l *Log) Entries(ctx context.Context, from, to uint64) ([]Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.Put(conn)

	query := `SELECT seq, at, event, agent_id, subject, result, reason,
	                 prev_hash, entry_hash, signature
	          FROM audit_entry WHERE seq >= ?`
	args := []any{int64(from)}
	if to > 0 {
		query += ` AND seq <= ?`
		args = append(args, int64(to))
	}
	query += ` ORDER BY seq`

	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := Entry{
				Sequence: uint64(stmt.ColumnInt64(0)),
				At:       time.Unix(0, stmt.ColumnInt64(1)).UTC(),
				Event:    Event(stmt.ColumnText(2)),
				AgentID:  stmt.ColumnText(3),
				Subject:  stmt.ColumnText(4),
				Result:   stmt.ColumnText(5),
				Reason:   stmt.ColumnText(6),
			}
			e.PrevHash = make([]byte, stmt.ColumnLen(7))
			stmt.ColumnBytes(7, e.PrevHash)
			e.EntryHash = make([]byte, stmt.ColumnLen(8))
			stmt.ColumnBytes(8, e.EntryHash)
			e.Signature = make([]byte, stmt.ColumnLen(9))
			stmt.ColumnBytes(9, e.Signature)
			entries = append(entries, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: read entries: %w", err)
	}
	return entries, nil
}

// VerifyChain recomputes the hash chain over [from, to] (to == 0
// meaning the head) and checks every signature. The range must start
// at 1 or at a sequence whose stored prev_hash is taken on trust;
// within the range every link is recomputed. Returns nil when the
// chain holds, or an error wrapping [ErrChainBroken] naming the first
// bad sequence.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	entries, err := l.Entries(ctx, from, to)
	if err != nil {
		return err
	}

	var prev []byte
	for i, e := range entries {
		switch {
		case i == 0 && e.Sequence == 1:
			prev = genesisHash
		case i == 0:
			prev = e.PrevHash
		default:
			if entries[i-1].Sequence+1 != e.Sequence {
				return fmt.Errorf("%w: gap before sequence %d", ErrChainBroken, e.Sequence)
			}
		}
		if !bytes.Equal(e.PrevHash, prev) {
			return fmt.Errorf("%w: sequence %d previous-hash link", ErrChainBroken, e.Sequence)
		}
		want, err := entryHash(prev, e.body())
		if err != nil {
			return err
		}
		if !bytes.Equal(e.EntryHash, want) {
			return fmt.Errorf("%w: sequence %d entry hash", ErrChainBroken, e.Sequence)
		}
		if !ed25519.Verify(l.verifyKey, e.EntryHash, e.Signature) {
			return fmt.Errorf("%w: sequence %d signature", ErrChainBroken, e.Sequence)
		}
		prev = e.EntryHash
	}
	return nil
}

// Export streams the inclusive range [from, to] (to == 0 meaning the
// head) to w as zstd-compressed JSONL, one entry per line.
func (l *Log) Export(ctx context.Context, w io.Writer, from, to uint64) error {
	entries, err := l.Entries(ctx, from, to)
	if err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("audit: export: %w", err)
	}
	enc := json.NewEncoder(zw)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			zw.Close()
			return fmt.Errorf("audit: export entry %d: %w", entries[i].Sequence, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("audit: export: %w", err)
	}
	return nil
}

// Close drains pending appends, stops the writer, and closes the
// database. Append calls after Close fail [ErrClosed].
func (l *Log) Close() error {
	l.closeOnce.Do(func() { close(l.quit) })
	<-l.done
	return l.pool.Close()
}
