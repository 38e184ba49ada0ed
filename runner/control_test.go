package runner

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"transcode-coordinator/constant"
)

type fakeControllable struct {
	mu         sync.Mutex
	servers    []Server
	registered []RegisterServerRequest
	shutdowns  int
}

func (f *fakeControllable) RegisterServer(_ context.Context, url, token, name, description string) (Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, RegisterServerRequest{URL: url, RegistrationToken: token, RunnerName: name, RunnerDescription: description})
	if token == "bad" {
		return Server{}, &APIError{Status: http.StatusUnauthorized, Message: "unauthorized"}
	}
	server := Server{URL: url, RunnerName: name, RunnerToken: "secret"}
	f.servers = append(f.servers, server)
	return server, nil
}

func (f *fakeControllable) UnregisterServer(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.servers {
		if s.URL == url {
			f.servers = append(f.servers[:i], f.servers[i+1:]...)
			return nil
		}
	}
	return ErrUnknownServer
}

func (f *fakeControllable) Servers() []Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Server(nil), f.servers...)
}

func (f *fakeControllable) RunningJobs() []RunningJob {
	return []RunningJob{{UUID: uuid.New(), Type: constant.JobTypeLiveRTMPHLS, Server: "https://a.example", Progress: 10}}
}

func (f *fakeControllable) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

// socketPath stays short: unix socket paths are limited to about 100 bytes.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "runner")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startControl(t *testing.T, target Controllable) *ControlClient {
	t.Helper()
	path := socketPath(t)
	ctx, cancel := context.WithCancel(testContext())
	done := make(chan error, 1)
	go func() { done <- NewControlServer(target, path).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("control socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return NewControlClient(path)
}

func TestControlSocketDrivesDaemon(t *testing.T) {
	target := &fakeControllable{}
	client := startControl(t, target)
	ctx := testContext()

	info, err := client.Register(ctx, RegisterServerRequest{URL: "https://a.example", RegistrationToken: "ptrt", RunnerName: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if info.URL != "https://a.example" || info.RunnerName != "r1" {
		t.Fatalf("info = %+v", info)
	}

	_, err = client.Register(ctx, RegisterServerRequest{URL: "https://b.example", RegistrationToken: "bad"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("refused registration err = %v", err)
	}

	servers, err := client.Servers(ctx)
	if err != nil || len(servers) != 1 || servers[0].URL != "https://a.example" {
		t.Fatalf("servers = %+v %v", servers, err)
	}

	jobs, err := client.Jobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].Progress != 10 {
		t.Fatalf("jobs = %+v %v", jobs, err)
	}

	if err := client.Unregister(ctx, "https://a.example"); err != nil {
		t.Fatal(err)
	}
	err = client.Unregister(ctx, "https://a.example")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("unknown unregister err = %v", err)
	}

	if err := client.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.shutdowns != 1 {
		t.Fatalf("shutdowns = %d", target.shutdowns)
	}
}

func TestControlRegisterValidatesBody(t *testing.T) {
	client := startControl(t, &fakeControllable{})
	_, err := client.Register(testContext(), RegisterServerRequest{URL: "https://a.example"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}
