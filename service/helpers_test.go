package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/entities"
	"transcode-coordinator/repository"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	log := zerolog.New(io.Discard)
	return log.WithContext(context.Background())
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestLedger(t *testing.T, maxFailures int) (*Ledger, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	ledger := NewLedger(repository.NewJobRepository(db), config.Ledger{
		MaxFailures:    maxFailures,
		LeaseTimeout:   5 * time.Minute,
		PriorityWindow: 7 * 24 * time.Hour,
	})
	return ledger, db
}

func registerTestRunner(t *testing.T, ctx context.Context, db *gorm.DB, name string) *entities.Runner {
	t.Helper()
	registry := NewRegistry(repository.NewRunnerRepository(db))
	tokens, err := registry.ListRegistrationTokens(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var token *entities.RunnerRegistrationToken
	if len(tokens) > 0 {
		token = tokens[0]
	} else if token, err = registry.IssueRegistrationToken(ctx); err != nil {
		t.Fatal(err)
	}

	runner, _, err := registry.Register(ctx, RegisterRequest{
		RegistrationToken: token.Token,
		Name:              name,
		IP:                "127.0.0.1",
		Version:           "test",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return runner
}

type recordingListener struct {
	mu     sync.Mutex
	events []JobEvent
}

func (r *recordingListener) OnJobEvent(_ context.Context, event JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingListener) count(state constant.JobState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.State == state {
			n++
		}
	}
	return n
}

func mustEnqueue(t *testing.T, ctx context.Context, ledger *Ledger, req EnqueueRequest) *entities.RunnerJob {
	t.Helper()
	if req.Type == "" {
		req.Type = constant.JobTypeVODWebVideoTranscoding
	}
	job, err := ledger.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func mustLease(t *testing.T, ctx context.Context, ledger *Ledger, job *entities.RunnerJob, runner *entities.Runner) string {
	t.Helper()
	leased, err := ledger.Lease(ctx, job.UUID, runner)
	if err != nil {
		t.Fatalf("lease %s: %v", job.UUID, err)
	}
	return *leased.ProcessingJobToken
}

func mustState(t *testing.T, ctx context.Context, ledger *Ledger, job *entities.RunnerJob, want constant.JobState) *entities.RunnerJob {
	t.Helper()
	got, err := ledger.Get(ctx, job.UUID)
	if err != nil {
		t.Fatalf("get %s: %v", job.UUID, err)
	}
	if got.State != want {
		t.Fatalf("job %s state = %s, want %s", job.UUID, got.State, want)
	}
	return got
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type storedObject struct {
	content     []byte
	contentType string
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]storedObject
	removed []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string]storedObject)}
}

func (s *fakeStorage) FPutObject(_ context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[object] = storedObject{content: content, contentType: opts.ContentType}
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(content))}, nil
}

func (s *fakeStorage) PutObject(_ context.Context, bucket, object string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[object] = storedObject{content: content, contentType: opts.ContentType}
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(content))}, nil
}

func (s *fakeStorage) FGetObject(_ context.Context, _, object, filePath string, _ minio.GetObjectOptions) error {
	s.mu.Lock()
	obj, ok := s.objects[object]
	s.mu.Unlock()
	if !ok {
		return errors.New("object not found: " + object)
	}
	return os.WriteFile(filePath, obj.content, 0o644)
}

func (s *fakeStorage) RemoveObject(_ context.Context, _, object string, _ minio.RemoveObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, object)
	s.removed = append(s.removed, object)
	return nil
}

func (s *fakeStorage) object(t *testing.T, name string) storedObject {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok {
		keys := make([]string, 0, len(s.objects))
		for k := range s.objects {
			keys = append(keys, k)
		}
		t.Fatalf("object %s not stored, have %v", name, keys)
	}
	return obj
}

// writeScript writes an executable shell script standing in for ffmpeg.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
