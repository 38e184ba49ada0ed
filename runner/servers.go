package runner

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

const serversFileName = "servers.json"

var ErrUnknownServer = errors.New("server not registered")

// Server is one coordinator this runner is registered on.
type Server struct {
	URL         string `json:"url"`
	RunnerName  string `json:"runnerName"`
	RunnerToken string `json:"runnerToken"`
}

// ServerStore persists the registered servers in the runner config dir.
// The file holds runner tokens and is only readable by its owner.
type ServerStore struct {
	mu      sync.Mutex
	path    string
	servers []Server
}

func OpenServerStore(dir string) (*ServerStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &ServerStore{path: filepath.Join(dir, serversFileName)}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.servers); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ServerStore) List() []Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Server(nil), s.servers...)
}

func (s *ServerStore) Get(url string) (Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, server := range s.servers {
		if server.URL == url {
			return server, nil
		}
	}
	return Server{}, ErrUnknownServer
}

// Add stores server, replacing an earlier registration on the same URL.
func (s *ServerStore) Add(server Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := make([]Server, 0, len(s.servers)+1)
	for _, existing := range s.servers {
		if existing.URL != server.URL {
			servers = append(servers, existing)
		}
	}
	servers = append(servers, server)
	if err := s.save(servers); err != nil {
		return err
	}
	s.servers = servers
	return nil
}

func (s *ServerStore) Remove(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := make([]Server, 0, len(s.servers))
	for _, existing := range s.servers {
		if existing.URL != url {
			servers = append(servers, existing)
		}
	}
	if len(servers) == len(s.servers) {
		return ErrUnknownServer
	}
	if err := s.save(servers); err != nil {
		return err
	}
	s.servers = servers
	return nil
}

func (s *ServerStore) save(servers []Server) error {
	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
