package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/swimr-hq/swimr/internal/analysis"
	"github.com/swimr-hq/swimr/internal/common"
	"github.com/swimr-hq/swimr/internal/config"
	"github.com/swimr-hq/swimr/internal/ledger"
	"github.com/swimr-hq/swimr/internal/notify"
	"github.com/swimr-hq/swimr/internal/run"
	"github.com/swimr-hq/swimr/internal/staging"
	"github.com/swimr-hq/swimr/internal/storage"
	"github.com/swimr-hq/swimr/internal/tasks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory storage.Store publishing row events like the real
// backends.
type memStore struct {
	mu         sync.Mutex
	candidates map[string]*storage.Candidate
	jobs       map[string]*storage.AnalysisJob
	roles      map[string]*storage.Role
	snapshot   []byte
	notifier   *storage.Notifier
}

func newMemStore(n *storage.Notifier) *memStore {
	return &memStore{
		candidates: make(map[string]*storage.Candidate),
		jobs:       make(map[string]*storage.AnalysisJob),
		roles:      make(map[string]*storage.Role),
		notifier:   n,
	}
}

func (s *memStore) InsertCandidate(ctx context.Context, c *storage.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *c
	s.candidates[c.ID] = &cpy
	return nil
}

func (s *memStore) UpsertCandidateByName(ctx context.Context, c *storage.Candidate) error {
	s.mu.Lock()
	for _, existing := range s.candidates {
		if existing.Name == c.Name {
			c.ID = existing.ID
			break
		}
	}
	s.mu.Unlock()
	return s.InsertCandidate(ctx, c)
}

func (s *memStore) GetCandidate(ctx context.Context, id string) (*storage.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candidates[id]; ok {
		cpy := *c
		return &cpy, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) ListCandidates(ctx context.Context) ([]storage.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memStore) InsertAnalysisJob(ctx context.Context, j *storage.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *j
	if cpy.CreatedAt.IsZero() {
		cpy.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = &cpy
	return nil
}

func sameRole(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *memStore) FindAnalysisJob(ctx context.Context, key storage.JobKey) (*storage.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *storage.AnalysisJob
	for _, j := range s.jobs {
		if j.CandidateID != key.CandidateID || !sameRole(j.RoleID, key.RoleID) ||
			j.CVHash != key.CVHash || j.ContextHash != key.ContextHash {
			continue
		}
		if j.Status != storage.JobProcessing && j.Status != storage.JobCompleted {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cpy := *best
	return &cpy, nil
}

func (s *memStore) GetAnalysisJob(ctx context.Context, id string) (*storage.AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		cpy := *j
		return &cpy, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) UpdateAnalysisJobStatus(ctx context.Context, id string, status storage.JobStatus, result []byte, errMsg *string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	j.Status = status
	j.Result = result
	j.Error = errMsg
	cpy := *j
	s.mu.Unlock()

	s.notifier.Publish(storage.RowEvent{Table: "analysis_jobs", RowID: id, Type: storage.EventUpdate, Row: &cpy})
	return nil
}

func (s *memStore) DeleteAnalysisJobs(ctx context.Context, key storage.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.CandidateID == key.CandidateID && sameRole(j.RoleID, key.RoleID) &&
			j.CVHash == key.CVHash && j.ContextHash == key.ContextHash {
			delete(s.jobs, id)
		}
	}
	return nil
}

func (s *memStore) InsertRole(ctx context.Context, r *storage.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *r
	s.roles[r.ID] = &cpy
	return nil
}

func (s *memStore) ListRoles(ctx context.Context) ([]storage.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	return out, nil
}

func (s *memStore) GetRole(ctx context.Context, id string) (*storage.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roles[id]; ok {
		cpy := *r
		return &cpy, nil
	}
	return nil, storage.ErrNotFound
}

func (s *memStore) SetRunSnapshot(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = append([]byte(nil), payload...)
	return nil
}

func (s *memStore) GetRunSnapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), s.snapshot...), nil
}

func (s *memStore) DeleteRunSnapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	return nil
}

func (s *memStore) Close() error { return nil }

// okClient answers every analysis immediately with a fixed score.
type okClient struct{}

func (okClient) Analyze(ctx context.Context, cvText string, jobContext *string) (*analysis.Result, error) {
	return &analysis.Result{
		CandidateName: "Test Candidate",
		Score:         &analysis.Score{Overall: 80, Recommendation: "yes"},
		Raw:           []byte(`{"score":{"overall":80,"recommendation":"yes"}}`),
	}, nil
}

type plainExtractor struct{}

func (plainExtractor) Extract(filename string, content []byte) (string, error) {
	return string(content), nil
}

func newTestService(t *testing.T) (*Service, *http.Server) {
	t.Helper()
	logger := discardLogger()
	notifier := storage.NewNotifier()
	store := newMemStore(notifier)
	feed := notify.NewFeed(logger, common.DefaultNoticeBuffer)
	queue := staging.NewQueue(logger, staging.Simulation{
		TickMin: time.Millisecond, TickMax: 2 * time.Millisecond, StepMin: 50, StepMax: 60,
	})

	runner := tasks.NewRunner(logger, 8, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("runner start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		runner.Shutdown(time.Second)
	})

	client := okClient{}
	svc := &Service{
		Log: logger,
		Cfg: &config.Config{Server: config.ServerConfig{
			Addr:          ":0",
			MaxUploadSize: config.ByteSize(10 * 1024 * 1024),
		}},
		Store:       store,
		Staging:     queue,
		Coordinator: run.NewCoordinator(logger, queue, plainExtractor{}, client, store, run.NewSnapshots(store), feed),
		Analyser:    analysis.NewAnalyser(logger, client),
		Ledger:      ledger.New(logger, store, client, runner, notifier),
		Notices:     feed,
	}
	return svc, NewHTTPServer(svc)
}

func makeMultipart(t *testing.T, files map[string][]byte) (string, *bytes.Buffer) {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := io.Copy(fw, bytes.NewReader(content)); err != nil {
			t.Fatalf("copy: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return w.FormDataContentType(), &b
}

func doJSON(t *testing.T, srv *http.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, srv := newTestService(t)
	rec := doJSON(t, srv, http.MethodGet, common.PathHealthz, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStageFiles_ListAndRemove(t *testing.T) {
	_, srv := newTestService(t)

	ctype, body := makeMultipart(t, map[string][]byte{
		"a.txt": []byte("cv a"),
		"b.pdf": []byte("cv b"),
	})
	req := httptest.NewRequest(http.MethodPost, common.PathFiles, body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var staged []staging.File
	if err := json.Unmarshal(rec.Body.Bytes(), &staged); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(staged) != 2 {
		t.Fatalf("expected 2 staged files, got %d", len(staged))
	}

	rec = doJSON(t, srv, http.MethodGet, common.PathFiles, nil)
	var listed []staging.File
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 listed files, got %d", len(listed))
	}

	rec = doJSON(t, srv, http.MethodDelete, common.PathFiles+"/"+staged[0].ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodDelete, common.PathFiles+"/"+staged[0].ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for double delete, got %d", rec.Code)
	}
}

func TestStageFiles_UnsupportedType(t *testing.T) {
	_, srv := newTestService(t)
	ctype, body := makeMultipart(t, map[string][]byte{"malware.exe": []byte("nope")})
	req := httptest.NewRequest(http.MethodPost, common.PathFiles, body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func stageOne(t *testing.T, svc *Service, name, content string) string {
	t.Helper()
	staged := svc.Staging.Add([]staging.Upload{{Name: name, Content: []byte(content)}})
	id := staged[0].ID
	deadline := time.After(2 * time.Second)
	for {
		if f, ok := svc.Staging.Get(id); ok && f.Status == staging.StatusPending {
			return id
		}
		select {
		case <-deadline:
			t.Fatal("upload never finished")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBatchRun_EndToEnd(t *testing.T) {
	svc, srv := newTestService(t)
	id := stageOne(t, svc, "cv.txt", "this is the cv text")

	rec := doJSON(t, srv, http.MethodPost, common.PathRuns, startRunRequest{FileIDs: []string{id}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	// A second start while the first is active (or after it finished and the
	// run is inactive) must never 500.
	deadline := time.After(5 * time.Second)
	for {
		rec = doJSON(t, srv, http.MethodGet, common.PathRuns+"/current", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("current run status %d", rec.Code)
		}
		var cur run.Run
		if err := json.Unmarshal(rec.Body.Bytes(), &cur); err != nil {
			t.Fatalf("json: %v", err)
		}
		if !cur.Active {
			if len(cur.Items) != 1 || cur.Items[0].Status != run.ItemCompleted {
				t.Fatalf("run did not complete: %+v", cur.Items)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never finished")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	rec = doJSON(t, srv, http.MethodGet, common.PathCandidates, nil)
	var cands []storage.Candidate
	if err := json.Unmarshal(rec.Body.Bytes(), &cands); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(cands) != 1 || cands[0].Name != "Test Candidate" {
		t.Fatalf("candidate not persisted: %+v", cands)
	}
}

func TestStartRun_ByRoleComposesJobContext(t *testing.T) {
	svc, srv := newTestService(t)
	id := stageOne(t, svc, "cv.txt", "the cv text")

	desc := "owns the payments backend"
	role := &storage.Role{ID: uuid.NewString(), Name: "Backend Engineer", Description: &desc}
	if err := svc.Store.InsertRole(context.Background(), role); err != nil {
		t.Fatalf("insert role: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, common.PathRuns,
		startRunRequest{FileIDs: []string{id}, RoleID: &role.ID})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("json: %v", err)
	}
	if started.RoleName == nil || *started.RoleName != "Backend Engineer" {
		t.Fatalf("role name not filled in: %+v", started)
	}
	if started.JobContext == nil || *started.JobContext != "Backend Engineer\n"+desc {
		t.Fatalf("job context not composed from the role: %+v", started.JobContext)
	}

	unknown := uuid.NewString()
	rec = doJSON(t, srv, http.MethodPost, common.PathRuns,
		startRunRequest{FileIDs: []string{id}, RoleID: &unknown})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role should be rejected with 400, got %d", rec.Code)
	}
}

func TestStartRun_EmptySelection400(t *testing.T) {
	_, srv := newTestService(t)
	rec := doJSON(t, srv, http.MethodPost, common.PathRuns, startRunRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSingleAnalysis(t *testing.T) {
	_, srv := newTestService(t)

	rec := doJSON(t, srv, http.MethodGet, common.PathAnalyses+"/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any analysis, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, common.PathAnalyses, singleAnalysisRequest{CVText: "text"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res analysis.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Score == nil || res.Score.Overall != 80 {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = doJSON(t, srv, http.MethodGet, common.PathAnalyses+"/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for latest, got %d", rec.Code)
	}
}

func TestFindOrStartJob_Dedup(t *testing.T) {
	_, srv := newTestService(t)
	req := jobRequest{CandidateID: uuid.NewString(), CVText: "the cv text"}

	rec := doJSON(t, srv, http.MethodPost, common.PathJobs, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a fresh job, got %d: %s", rec.Code, rec.Body.String())
	}
	var first jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("json: %v", err)
	}
	if first.Existing || first.Job == nil {
		t.Fatalf("fresh job reported as existing: %+v", first)
	}

	rec = doJSON(t, srv, http.MethodPost, common.PathJobs, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a deduplicated job, got %d", rec.Code)
	}
	var second jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !second.Existing || second.Job.ID != first.Job.ID {
		t.Fatalf("dedup returned a different job: %+v vs %+v", second.Job, first.Job)
	}
}

func TestJobWait_ReturnsTerminalJob(t *testing.T) {
	_, srv := newTestService(t)
	rec := doJSON(t, srv, http.MethodPost, common.PathJobs,
		jobRequest{CandidateID: uuid.NewString(), CVText: "wait on me"})
	var created jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("json: %v", err)
	}

	rec = doJSON(t, srv, http.MethodGet, common.PathJobs+"/"+created.Job.ID+"/wait", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var job storage.AnalysisJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("json: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Fatalf("waited job not completed: %+v", job)
	}
}

func TestNotices_SinceCursor(t *testing.T) {
	svc, srv := newTestService(t)
	svc.Notices.Info("hello", "world")

	rec := doJSON(t, srv, http.MethodGet, common.PathNotices, nil)
	var notices []notify.Notice
	if err := json.Unmarshal(rec.Body.Bytes(), &notices); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(notices))
	}

	rec = doJSON(t, srv, http.MethodGet,
		common.PathNotices+"?since="+strconv.FormatUint(notices[0].Seq, 10), nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &notices); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(notices) != 0 {
		t.Fatalf("expected no notices past the cursor, got %d", len(notices))
	}
}

func TestRoles_CreateAndList(t *testing.T) {
	_, srv := newTestService(t)
	desc := "senior backend"
	rec := doJSON(t, srv, http.MethodPost, common.PathRoles, createRoleRequest{Name: "Backend Engineer", Description: &desc})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, common.PathRoles, nil)
	var roles []storage.Role
	if err := json.Unmarshal(rec.Body.Bytes(), &roles); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "Backend Engineer" {
		t.Fatalf("role not listed: %+v", roles)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	svc, srv := newTestService(t)
	svc.Cfg.Server.APIKey = "secret"

	rec := doJSON(t, srv, http.MethodGet, common.PathFiles, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, common.PathFiles, nil)
	req.Header.Set(common.HeaderAPIKey, "secret")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}
