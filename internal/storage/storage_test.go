package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()

	if _, ok, err := b.Get("access_token"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}

	if err := b.Set("access_token", "tok-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Set("access_token", "tok-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := b.Set("refresh_token", "ref-1"); err != nil {
		t.Fatalf("set refresh: %v", err)
	}

	v, ok, err := b.Get("access_token")
	if err != nil || !ok || v != "tok-2" {
		t.Fatalf("get = %q ok=%v err=%v, want tok-2", v, ok, err)
	}

	if err := b.Delete("access_token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := b.Delete("access_token"); err != nil {
		t.Fatalf("delete twice: %v", err)
	}
	if _, ok, _ := b.Get("access_token"); ok {
		t.Fatal("expected key deleted")
	}
	if v, ok, _ := b.Get("refresh_token"); !ok || v != "ref-1" {
		t.Fatalf("unrelated key lost: %q ok=%v", v, ok)
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	b, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	exerciseBackend(t, b)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("credentials file mode = %o, want 600", perm)
	}
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	b, _ := NewFileBackend(path)
	if err := b.Set("user", `{"id":"u1"}`); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened, _ := NewFileBackend(path)
	v, ok, err := reopened.Get("user")
	if err != nil || !ok || v != `{"id":"u1"}` {
		t.Fatalf("reopen get = %q ok=%v err=%v", v, ok, err)
	}
}

func TestFileBackendRemovesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	b, _ := NewFileBackend(path)
	_ = b.Set("k", "v")
	_ = b.Delete("k")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed after last key, err=%v", err)
	}
}

func TestFileBackendCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, _ := NewFileBackend(path)
	if _, _, err := b.Get("k"); err == nil {
		t.Fatal("expected parse error for corrupt file")
	}
	if err := b.Set("k", "v"); err == nil {
		t.Fatal("expected set to fail on corrupt file")
	}
}

func TestSQLiteBackend(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer b.Close()
	exerciseBackend(t, b)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{"", "file", "sqlite", "memory", "SQLite"} {
		b, err := Open(kind, dir)
		if err != nil {
			t.Fatalf("Open(%q): %v", kind, err)
		}
		if closer, ok := b.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	if _, err := Open("redis", dir); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
