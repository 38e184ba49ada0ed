package runner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestServerStorePersistsRegistrations(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")
	store, err := OpenServerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := store.List(); len(got) != 0 {
		t.Fatalf("fresh store lists %v", got)
	}

	if err := store.Add(Server{URL: "https://a.example", RunnerName: "r1", RunnerToken: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(Server{URL: "https://b.example", RunnerName: "r1", RunnerToken: "t2"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(Server{URL: "https://a.example", RunnerName: "r2", RunnerToken: "t3"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, serversFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("servers file mode = %v", info.Mode().Perm())
	}

	reopened, err := OpenServerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	servers := reopened.List()
	if len(servers) != 2 {
		t.Fatalf("servers = %+v, want the re-registration to replace the first", servers)
	}
	server, err := reopened.Get("https://a.example")
	if err != nil || server.RunnerToken != "t3" || server.RunnerName != "r2" {
		t.Fatalf("server = %+v %v", server, err)
	}

	if err := reopened.Remove("https://b.example"); err != nil {
		t.Fatal(err)
	}
	if err := reopened.Remove("https://b.example"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("second remove err = %v", err)
	}
	if _, err := reopened.Get("https://b.example"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("get removed err = %v", err)
	}
}

func TestServerStoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, serversFileName), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenServerStore(dir); err == nil {
		t.Fatal("corrupt servers file accepted")
	}
}
