// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/aegnix-foundation/aegnix/lib/sqlitepool"
	"github.com/aegnix-foundation/aegnix/lib/testutil"
)

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func openTestLog(t *testing.T, path string, key ed25519.PrivateKey) *Log {
	t.Helper()
	log, err := Open(Config{Path: path, SigningKey: key})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return log
}

func TestAppendBuildsChain(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), testKey(t))
	defer log.Close()

	first, err := log.Append(t.Context(), EventHandshake, "fusion_ae", "", ResultAccept, "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Sequence != 1 {
		t.Errorf("first sequence = %d, want 1", first.Sequence)
	}
	if !bytes.Equal(first.PrevHash, genesisHash) {
		t.Error("first entry not linked to the genesis hash")
	}

	second, err := log.Append(t.Context(), EventEmission, "fusion_ae", "fusion.track", ResultDeny, "Unauthorized")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if second.Sequence != 2 {
		t.Errorf("second sequence = %d, want 2", second.Sequence)
	}
	if !bytes.Equal(second.PrevHash, first.EntryHash) {
		t.Error("second entry not linked to the first entry hash")
	}

	if err := log.VerifyChain(t.Context(), 0, 0); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	key := testKey(t)

	log := openTestLog(t, path, key)
	for i := 0; i < 2; i++ {
		if _, err := log.Append(t.Context(), EventEmission, "fusion_ae", "fusion.track", ResultAccept, ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	log = openTestLog(t, path, key)
	defer log.Close()
	entry, err := log.Append(t.Context(), EventEmission, "fusion_ae", "fusion.track", ResultAccept, "")
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if entry.Sequence != 3 {
		t.Errorf("sequence after reopen = %d, want 3", entry.Sequence)
	}
	if err := log.VerifyChain(t.Context(), 0, 0); err != nil {
		t.Errorf("VerifyChain across reopen: %v", err)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	key := testKey(t)

	log := openTestLog(t, path, key)
	for i := 0; i < 3; i++ {
		result := ResultAccept
		if i == 1 {
			result = ResultDeny
		}
		if _, err := log.Append(t.Context(), EventEmission, "fusion_ae", "fusion.track", result, ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Rewrite history: flip the denial at sequence 2 to an accept.
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	conn, err := pool.Take(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	err = sqlitex.Execute(conn, `UPDATE audit_entry SET result = ? WHERE seq = 2`,
		&sqlitex.ExecOptions{Args: []any{ResultAccept}})
	pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}

	log = openTestLog(t, path, key)
	defer log.Close()
	err = log.VerifyChain(t.Context(), 0, 0)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyChain = %v, want ErrChainBroken", err)
	}
	if err != nil && !strings.Contains(err.Error(), "sequence 2") {
		t.Errorf("VerifyChain error %q does not name the tampered sequence", err)
	}
}

func TestVerifyChainRejectsForeignSignatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	log := openTestLog(t, path, testKey(t))
	if _, err := log.Append(t.Context(), EventHandshake, "fusion_ae", "", ResultAccept, ""); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen under a different signing key: hashes recompute but
	// signatures no longer verify.
	log = openTestLog(t, path, testKey(t))
	defer log.Close()
	if err := log.VerifyChain(t.Context(), 0, 0); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyChain = %v, want ErrChainBroken", err)
	}
}

func TestConcurrentAppendsKeepTotalOrder(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), testKey(t))
	defer log.Close()

	const writers, perWriter = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent_%d", w)
			for i := 0; i < perWriter; i++ {
				if _, err := log.Append(t.Context(), EventEmission, agent, "fusion.track", ResultAccept, ""); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Append: %v", err)
	}

	entries, err := log.Entries(t.Context(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("got %d entries, want %d", len(entries), writers*perWriter)
	}
	for i, e := range entries {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
	}
	if err := log.VerifyChain(t.Context(), 0, 0); err != nil {
		t.Errorf("VerifyChain after concurrent appends: %v", err)
	}
}

func TestExportStreamsCompressedJSONL(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), testKey(t))
	defer log.Close()

	for i := 0; i < 4; i++ {
		if _, err := log.Append(t.Context(), EventEmission, "fusion_ae", "fusion.track", ResultAccept, ""); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := log.Export(t.Context(), &buf, 2, 3); err != nil {
		t.Fatalf("Export: %v", err)
	}

	zr, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	var got []Entry
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("decode exported line: %v", err)
		}
		got = append(got, e)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Sequence != 2 || got[1].Sequence != 3 {
		t.Fatalf("exported sequences = %v, want [2 3]", got)
	}
}

func TestAppendAfterClose(t *testing.T) {
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), testKey(t))
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	// The appends channel is buffered, so a post-Close Append can
	// win the enqueue race against the closed quit channel. Every
	// attempt must still resolve to ErrClosed rather than waiting
	// on the exited writer.
	for i := range 20 {
		result := make(chan error, 1)
		go func() {
			_, err := log.Append(t.Context(), EventHandshake, "fusion_ae", "", ResultAccept, "")
			result <- err
		}()
		err := testutil.RequireReceive(t, result, 2*time.Second, "Append after Close, iteration %d", i)
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Append after Close = %v, want ErrClosed", err)
		}
	}
}
