// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a SQLite connection pool with
// AEGNIX-standard pragmas, shared by the ABI's durable stores (the
// capability table and the audit log).
//
// The pool wraps zombiezen.com/go/sqlite's sqlitex.Pool and exposes
// the same Take/Put API. Connections run in WAL mode so audit reads
// never block the single ordered writer. Stores apply their own schema
// and store-specific pragmas through the OnConnect hook:
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path: filepath.Join(stateDir, "audit.db"),
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//
// The pool is safe for concurrent use. Individual connections are not
// — each goroutine must Take its own connection and Put it back when
// done.
package sqlitepool
