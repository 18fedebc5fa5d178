// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/aegnix-foundation/aegnix/lib/sqlitepool"
	"github.com/aegnix-foundation/aegnix/lib/subject"
)

// ErrUnknownSubject is returned when a declared subject is neither in
// the static policy's subject universe nor covered by an allowed
// dynamic-subject pattern.
var ErrUnknownSubject = errors.New("capability: unknown subject")

// Declaration is one agent's live capability declaration.
type Declaration struct {
	AgentID    string
	Publishes  []string
	Subscribes []string
	Meta       map[string]string
	Version    int64
	DeclaredAt time.Time
}

// Config holds the parameters for opening a capability store.
type Config struct {
	// Path is the filesystem path to the capability database.
	// Required.
	Path string

	// ValidateSubject checks a declared subject against the static
	// policy's subject universe and dynamic patterns. Required —
	// typically wired to the policy compiler's ValidateSubject.
	ValidateSubject func(name string) error

	// OnDeclare is called after every committed declaration, outside
	// the write path's SQLite transaction. Wired to the policy
	// compiler's trigger.
	OnDeclare func()

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger

	// Now overrides the time source. Test use only.
	Now func() time.Time
}

// Store is the SQLite-backed capability table. Writes for different
// agents proceed concurrently up to SQLite's single-writer limit; the
// per-agent replacement is a single UPSERT, so a declaration is always
// observed whole or not at all.
type Store struct {
	pool            *sqlitepool.Pool
	validateSubject func(name string) error
	onDeclare       func()
	logger          *slog.Logger
	now             func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS capability (
	agent_id    TEXT PRIMARY KEY,
	publishes   TEXT NOT NULL,
	subscribes  TEXT NOT NULL,
	meta        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	declared_at INTEGER NOT NULL
) STRICT;
`

// OpenStore opens (creating if necessary) the capability table at
// cfg.Path.
func OpenStore(cfg Config) (*Store, error) {
	if cfg.ValidateSubject == nil {
		return nil, fmt.Errorf("capability: ValidateSubject is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("capability: %w", err)
	}

	return &Store{
		pool:            pool,
		validateSubject: cfg.ValidateSubject,
		onDeclare:       cfg.OnDeclare,
		logger:          logger,
		now:             now,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Declare validates and writes a full-replacement declaration for
// agentID, returning the new version. The first declaration for an
// agent has version 1. Subject sets are deduplicated and sorted before
// storage so the compiler sees canonical input.
func (s *Store) Declare(ctx context.Context, agentID string, publishes, subscribes []string, meta map[string]string) (int64, error) {
	if err := subject.ValidateAgentID(agentID); err != nil {
		return 0, fmt.Errorf("capability: %w", err)
	}

	publishes = canonicalize(publishes)
	subscribes = canonicalize(subscribes)
	for _, name := range append(append([]string{}, publishes...), subscribes...) {
		if err := s.validateSubject(name); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnknownSubject, name)
		}
	}

	publishesJSON, err := json.Marshal(publishes)
	if err != nil {
		return 0, fmt.Errorf("capability: encoding publishes: %w", err)
	}
	subscribesJSON, err := json.Marshal(subscribes)
	if err != nil {
		return 0, fmt.Errorf("capability: encoding subscribes: %w", err)
	}
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("capability: encoding meta: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("capability: %w", err)
	}
	defer s.pool.Put(conn)

	var version int64
	err = sqlitex.Execute(conn, `
		INSERT INTO capability (agent_id, publishes, subscribes, meta, version, declared_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			publishes = excluded.publishes,
			subscribes = excluded.subscribes,
			meta = excluded.meta,
			version = capability.version + 1,
			declared_at = excluded.declared_at
		RETURNING version`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, string(publishesJSON), string(subscribesJSON), string(metaJSON), s.now().Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("capability: writing declaration for %s: %w", agentID, err)
	}

	s.logger.Info("capability declared",
		"agent_id", agentID,
		"publishes", len(publishes),
		"subscribes", len(subscribes),
		"version", version,
	)

	if s.onDeclare != nil {
		s.onDeclare()
	}
	return version, nil
}

// Get returns the live declaration for agentID, or nil if the agent
// has never declared.
func (s *Store) Get(ctx context.Context, agentID string) (*Declaration, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("capability: %w", err)
	}
	defer s.pool.Put(conn)

	var decl *Declaration
	err = sqlitex.Execute(conn, `
		SELECT agent_id, publishes, subscribes, meta, version, declared_at
		FROM capability WHERE agent_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := scanDeclaration(stmt)
				if err != nil {
					return err
				}
				decl = parsed
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("capability: reading declaration for %s: %w", agentID, err)
	}
	return decl, nil
}

// All returns every live declaration, ordered by agent ID. This is the
// compiler's bulk read.
func (s *Store) All(ctx context.Context) ([]Declaration, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("capability: %w", err)
	}
	defer s.pool.Put(conn)

	var decls []Declaration
	err = sqlitex.Execute(conn, `
		SELECT agent_id, publishes, subscribes, meta, version, declared_at
		FROM capability ORDER BY agent_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := scanDeclaration(stmt)
				if err != nil {
					return err
				}
				decls = append(decls, *parsed)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("capability: reading declarations: %w", err)
	}
	return decls, nil
}

// scanDeclaration decodes one capability row.
func scanDeclaration(stmt *sqlite.Stmt) (*Declaration, error) {
	decl := &Declaration{
		AgentID:    stmt.ColumnText(0),
		Version:    stmt.ColumnInt64(4),
		DeclaredAt: time.Unix(stmt.ColumnInt64(5), 0).UTC(),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(1)), &decl.Publishes); err != nil {
		return nil, fmt.Errorf("decoding publishes for %s: %w", decl.AgentID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &decl.Subscribes); err != nil {
		return nil, fmt.Errorf("decoding subscribes for %s: %w", decl.AgentID, err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(3)), &decl.Meta); err != nil {
		return nil, fmt.Errorf("decoding meta for %s: %w", decl.AgentID, err)
	}
	return decl, nil
}

// canonicalize deduplicates and sorts a subject set.
func canonicalize(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
