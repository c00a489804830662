// Package teststore provides mapping store helpers for package tests.
//
// New returns a private in-memory SQLite store, which is what almost every
// test wants. NewDolt returns an embedded Dolt store in a temp directory for
// tests that must exercise the versioned backend; it is skipped when the
// `dolt` binary is not in PATH or the binary was built without CGO.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t)
//	    env.Seed(&types.Mapping{Kind: types.KindTag, SourceID: "ui", Status: types.StatusReadyForCreation})
//	    env.AssertStatus(types.KindTag, "ui", types.StatusReadyForCreation)
//	}
package teststore

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/types"
)

// doltInitMu serializes Dolt engine creation to avoid data races in the
// go-mysql-server global status variable initialization (upstream issue).
var doltInitMu sync.Mutex

// New opens an isolated in-memory SQLite store that is closed when the test
// completes.
func New(t testing.TB) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("teststore: open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewDolt opens an isolated embedded Dolt store under a temp directory.
func NewDolt(t testing.TB) *sqlstore.Store {
	t.Helper()
	if _, err := exec.LookPath("dolt"); err != nil {
		t.Skip("dolt binary not in PATH, skipping test")
	}

	dsn := fmt.Sprintf("file://%s?commitname=test&commitemail=test@example.com", filepath.ToSlash(t.TempDir()))
	doltInitMu.Lock()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverDolt, DSN: dsn, Database: "testdb"})
	doltInitMu.Unlock()
	if err != nil {
		if strings.Contains(err.Error(), "CGO") {
			t.Skip("embedded dolt needs CGO, skipping test")
		}
		t.Fatalf("teststore: open dolt: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Env provides a test environment with common setup and helpers. All
// operations go through storage.Store so tests stay backend-agnostic.
type Env struct {
	t     testing.TB
	Store storage.Store
	Ctx   context.Context
}

// NewEnv creates an environment backed by New.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	return &Env{t: t, Store: New(t), Ctx: context.Background()}
}

// NewEnvWith wraps an existing store.
func NewEnvWith(t testing.TB, s storage.Store) *Env {
	return &Env{t: t, Store: s, Ctx: context.Background()}
}

// Seed inserts rec with a valid automation hash, as if the engine wrote it.
func (e *Env) Seed(rec *types.Mapping) *types.Mapping {
	e.t.Helper()
	hashguard.Stamp(rec)
	if err := e.Store.InsertMapping(e.Ctx, rec); err != nil {
		e.t.Fatalf("teststore: seed %s %s: %v", rec.Kind, rec.SourceID, err)
	}
	return rec
}

// SeedEdited inserts rec and then applies edit without rehashing, the way a
// person editing the table would.
func (e *Env) SeedEdited(rec *types.Mapping, edit func(*types.Mapping)) *types.Mapping {
	e.t.Helper()
	hashguard.Stamp(rec)
	edit(rec)
	if err := e.Store.InsertMapping(e.Ctx, rec); err != nil {
		e.t.Fatalf("teststore: seed %s %s: %v", rec.Kind, rec.SourceID, err)
	}
	return rec
}

// Get loads a record, failing the test when it is missing.
func (e *Env) Get(kind types.EntityKind, sourceID string) *types.Mapping {
	e.t.Helper()
	m, err := e.Store.GetMapping(e.Ctx, kind, sourceID)
	if err != nil {
		e.t.Fatalf("teststore: get %s %s: %v", kind, sourceID, err)
	}
	return m
}

// AssertStatus fails the test when the record is not in want.
func (e *Env) AssertStatus(kind types.EntityKind, sourceID string, want types.Status) {
	e.t.Helper()
	if got := e.Get(kind, sourceID).Status; got != want {
		e.t.Errorf("%s %s status = %s, want %s", kind, sourceID, got, want)
	}
}

// AssertAutomated fails the test when the record reads as hand-edited.
func (e *Env) AssertAutomated(kind types.EntityKind, sourceID string) {
	e.t.Helper()
	if hashguard.IsOverridden(e.Get(kind, sourceID)) {
		e.t.Errorf("%s %s is marked as hand-edited", kind, sourceID)
	}
}
