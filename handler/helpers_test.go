package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"transcode-coordinator/config"
	"transcode-coordinator/constant"
	"transcode-coordinator/dto"
	"transcode-coordinator/entities"
	"transcode-coordinator/repository"
	"transcode-coordinator/service"
)

const adminToken = "admin-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeStorage) FPutObject(_ context.Context, bucket, object, filePath string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.put(object, content)
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func (s *fakeStorage) PutObject(_ context.Context, bucket, object string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.put(object, content)
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func (s *fakeStorage) FGetObject(_ context.Context, _, object, filePath string, _ minio.GetObjectOptions) error {
	content, ok := s.get(object)
	if !ok {
		return errors.New("no such object " + object)
	}
	return os.WriteFile(filePath, content, 0o644)
}

func (s *fakeStorage) RemoveObject(_ context.Context, _, object string, _ minio.RemoveObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, object)
	return nil
}

func (s *fakeStorage) put(object string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[object] = content
}

func (s *fakeStorage) get(object string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[object]
	return content, ok
}

type fakeLives struct {
	mu          sync.Mutex
	publishErr  error
	publishes   []service.PublishRequest
	dones       []string
	blacklisted []uuid.UUID
	known       map[uuid.UUID]bool
}

func (l *fakeLives) HandlePublish(_ context.Context, req service.PublishRequest) (*entities.VideoLiveSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishes = append(l.publishes, req)
	if l.publishErr != nil {
		return nil, l.publishErr
	}
	return &entities.VideoLiveSession{UUID: uuid.New(), RTMPSessionID: req.RTMPSessionID}, nil
}

func (l *fakeLives) HandlePublishDone(_ context.Context, streamKey, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dones = append(l.dones, streamKey)
	return nil
}

func (l *fakeLives) Blacklist(_ context.Context, videoUUID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known[videoUUID] {
		return service.ErrNotFound
	}
	l.blacklisted = append(l.blacklisted, videoUUID)
	return nil
}

type fixture struct {
	ctx     context.Context
	ledger  *service.Ledger
	hub     *service.LiveJobHub
	vod     *service.VODPipeline
	storage *fakeStorage
	lives   *fakeLives
	engine  *gin.Engine
	hlsDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "handler.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatal(err)
	}

	log := zerolog.New(io.Discard)
	f := &fixture{
		ctx:     log.WithContext(context.Background()),
		hub:     service.NewLiveJobHub(),
		storage: &fakeStorage{objects: make(map[string][]byte)},
		lives:   &fakeLives{known: make(map[uuid.UUID]bool)},
		engine:  gin.New(),
		hlsDir:  t.TempDir(),
	}
	f.ledger = service.NewLedger(repository.NewJobRepository(db), config.Ledger{
		MaxFailures:    3,
		LeaseTimeout:   time.Minute,
		PriorityWindow: time.Hour,
	})
	f.ledger.AddListener(f.hub)
	f.vod = service.NewVODPipeline(f.ledger, f.storage, "videos", "http://coordinator", []int{360})
	f.vod.RegisterHooks()

	registry := service.NewRegistry(repository.NewRunnerRepository(db))
	protocol := service.NewProtocol(f.ledger, config.Protocol{RequestCandidates: 3})

	f.engine.Use(WithLogger(&log))
	NewRunnerHandler(registry, protocol, f.ledger, f.hub, f.storage, "videos").Routes(f.engine)
	NewAdminHandler(registry, f.ledger, f.lives, adminToken).Routes(f.engine)
	NewIngestHandler(f.lives, "live", f.hlsDir).Routes(f.engine)
	return f
}

type requestOption func(*http.Request)

func withBearer(token string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withJobToken(token string) requestOption {
	return func(r *http.Request) { r.Header.Set(constant.HeaderJobToken, token) }
}

func (f *fixture) serve(req *http.Request, opts ...requestOption) *httptest.ResponseRecorder {
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(method, target string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return f.serve(req, opts...)
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

// registerRunner issues a registration token through the admin API and
// registers a runner with it. It returns the runner token.
func (f *fixture) registerRunner(t *testing.T, name string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/admin/registration-tokens", nil, withBearer(adminToken))
	expectStatus(t, rec, http.StatusCreated)
	token := decode[entities.RunnerRegistrationToken](t, rec)

	rec = f.do(http.MethodPost, "/api/v1/runners/register", dto.RegisterRunnerRequest{Name: name, Version: "test"}, withBearer(token.Token))
	expectStatus(t, rec, http.StatusCreated)
	return decode[dto.RegisterRunnerResponse](t, rec).RunnerToken
}

func (f *fixture) requestJob(t *testing.T, runnerToken string, types ...constant.JobType) *dto.AcceptedJob {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/runners/jobs/request", dto.RequestJobRequest{JobTypes: types}, withBearer(runnerToken))
	expectStatus(t, rec, http.StatusOK)
	return decode[dto.RequestJobResponse](t, rec).Job
}

func newFormRequest(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}
