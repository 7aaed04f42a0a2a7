package confdb

import (
	"bytes"
	"testing"

	"github.com/coro-totem/totemcore/pkg/constants"
	"github.com/coro-totem/totemcore/pkg/totemerr"
)

func TestSetGetRoundTrip(t *testing.T) {
	db := New()
	if err := db.Set([]string{"totem"}, "token_timeout", []byte("1000")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := db.Get([]string{"totem"}, "token_timeout")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "1000" {
		t.Fatalf("got %q, want 1000", got)
	}
}

func TestGetMissingSectionIsErrNoSections(t *testing.T) {
	db := New()
	_, err := db.Get([]string{"nope"}, "key")
	if !totemerr.Is(err, constants.ErrNoSections) {
		t.Fatalf("expected ErrNoSections, got %v", err)
	}
}

func TestGetMissingKeyIsErrNotExist(t *testing.T) {
	db := New()
	if err := db.CreateSection([]string{"totem"}); err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	_, err := db.Get([]string{"totem"}, "missing")
	if !totemerr.Is(err, constants.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestDestroySectionRemovesChildren(t *testing.T) {
	db := New()
	if err := db.Set([]string{"totem", "interface"}, "bindnetaddr", []byte("10.0.0.1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.DestroySection([]string{"totem"}); err != nil {
		t.Fatalf("DestroySection: %v", err)
	}
	if _, err := db.Get([]string{"totem", "interface"}, "bindnetaddr"); !totemerr.Is(err, constants.ErrNoSections) {
		t.Fatalf("expected section gone, got %v", err)
	}
}

func TestDumpLoadDumpRoundTrip(t *testing.T) {
	db := New()
	if err := db.Set([]string{"totem", "interface"}, "bindnetaddr", []byte("10.0.0.1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Set([]string{"totem"}, "version", []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	dump, err := db.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}

	restored, err := LoadDump(dump)
	if err != nil {
		t.Fatalf("LoadDump: %v", err)
	}

	got, err := restored.Get([]string{"totem", "interface"}, "bindnetaddr")
	if err != nil {
		t.Fatalf("Get after LoadDump: %v", err)
	}
	if !bytes.Equal(got, []byte("10.0.0.1")) {
		t.Fatalf("got %q, want 10.0.0.1", got)
	}
}
