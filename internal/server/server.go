package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/swimr-hq/swimr/internal/analysis"
	"github.com/swimr-hq/swimr/internal/common"
	"github.com/swimr-hq/swimr/internal/config"
	"github.com/swimr-hq/swimr/internal/ledger"
	"github.com/swimr-hq/swimr/internal/notify"
	"github.com/swimr-hq/swimr/internal/run"
	"github.com/swimr-hq/swimr/internal/staging"
	"github.com/swimr-hq/swimr/internal/storage"
)

type Service struct {
	Log         *slog.Logger
	Cfg         *config.Config
	Store       storage.Store
	Staging     *staging.Queue
	Coordinator *run.Coordinator
	Analyser    *analysis.Analyser
	Ledger      *ledger.Ledger
	Notices     *notify.Feed
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathFiles, svc.withCommon(svc.handleStageFiles))
	mux.HandleFunc(http.MethodGet+" "+common.PathFiles, svc.withCommon(svc.handleListFiles))
	// Pattern match /v1/files/{id}
	mux.HandleFunc(http.MethodDelete+" "+common.PathFiles+"/", svc.withCommon(svc.handleRemoveFile))

	mux.HandleFunc(http.MethodPost+" "+common.PathRuns, svc.withCommon(svc.handleStartRun))
	mux.HandleFunc(http.MethodGet+" "+common.PathRuns+"/current", svc.withCommon(svc.handleCurrentRun))
	mux.HandleFunc(http.MethodPost+" "+common.PathRuns+"/current/cancel", svc.withCommon(svc.handleCancelRun))
	mux.HandleFunc(http.MethodPost+" "+common.PathRuns+"/current/retry", svc.withCommon(svc.handleRetryRun))

	mux.HandleFunc(http.MethodPost+" "+common.PathAnalyses, svc.withCommon(svc.handleSingleAnalysis))
	mux.HandleFunc(http.MethodGet+" "+common.PathAnalyses+"/latest", svc.withCommon(svc.handleLatestAnalysis))

	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withCommon(svc.handleFindOrStartJob))
	// Pattern match /v1/jobs/{id} and /v1/jobs/{id}/wait
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/", svc.withCommon(svc.handleGetJobByPrefix))

	mux.HandleFunc(http.MethodGet+" "+common.PathNotices, svc.withCommon(svc.handleListNotices))

	mux.HandleFunc(http.MethodPost+" "+common.PathRoles, svc.withCommon(svc.handleCreateRole))
	mux.HandleFunc(http.MethodGet+" "+common.PathRoles, svc.withCommon(svc.handleListRoles))

	mux.HandleFunc(http.MethodGet+" "+common.PathCandidates, svc.withCommon(svc.handleListCandidates))
	// Pattern match /v1/candidates/{id}
	mux.HandleFunc(http.MethodGet+" "+common.PathCandidates+"/", svc.withCommon(svc.handleGetCandidateByPrefix))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

func (svc *Service) handleStageFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		http.Error(w, "at least one file is required", http.StatusBadRequest)
		return
	}

	uploads := make([]staging.Upload, 0, len(headers))
	var total uint64
	for _, h := range headers {
		if !common.IsSupportedCVExt(filepath.Ext(h.Filename)) {
			http.Error(w, fmt.Sprintf("unsupported file type: %s", h.Filename), http.StatusBadRequest)
			return
		}
		content, err := readMultipartFile(h)
		if err != nil {
			http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		total += uint64(len(content))
		uploads = append(uploads, staging.Upload{Name: h.Filename, Content: content})
	}

	staged := svc.Staging.Add(uploads)
	svc.Notices.Info("Files staged",
		fmt.Sprintf("%d file(s), %s total", len(staged), humanize.Bytes(total)))
	writeJSON(w, http.StatusCreated, staged)
}

func readMultipartFile(h *multipart.FileHeader) ([]byte, error) {
	f, err := h.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (svc *Service) handleListFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.Staging.List())
}

var filePattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathFiles))

func (svc *Service) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	m := filePattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 2 {
		http.NotFound(w, r)
		return
	}
	if _, ok := svc.Staging.Get(m[1]); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	svc.Staging.Remove([]string{m[1]})
	w.WriteHeader(http.StatusNoContent)
}

type startRunRequest struct {
	FileIDs    []string `json:"file_ids"`
	RoleID     *string  `json:"role_id"`
	RoleName   *string  `json:"role_name"`
	JobContext *string  `json:"job_context"`
}

func (svc *Service) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	// Empty selection means "all pending staged files".
	if len(req.FileIDs) == 0 {
		for _, f := range svc.Staging.Pending() {
			req.FileIDs = append(req.FileIDs, f.ID)
		}
	}

	// Starting by role id fills in the role name and, unless the caller
	// supplied one, a job context composed from the role.
	if req.RoleID != nil {
		role, err := svc.Store.GetRole(r.Context(), *req.RoleID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "unknown role", http.StatusBadRequest)
			return
		}
		if err != nil {
			svc.Log.Error("get role", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if req.RoleName == nil {
			req.RoleName = &role.Name
		}
		if req.JobContext == nil {
			jc := role.Name
			if role.Description != nil && *role.Description != "" {
				jc += "\n" + *role.Description
			}
			req.JobContext = &jc
		}
	}

	started, err := svc.Coordinator.StartRun(r.Context(), req.FileIDs, req.RoleID, req.RoleName, req.JobContext)
	switch {
	case errors.Is(err, run.ErrRunActive):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, run.ErrNoItems):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		svc.Log.Error("start run", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (svc *Service) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	cur := svc.Coordinator.Run()
	if cur == nil {
		http.Error(w, "no batch run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

func (svc *Service) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := svc.Coordinator.CancelRun(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, svc.Coordinator.Run())
}

func (svc *Service) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	if err := svc.Coordinator.RetryFailed(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, svc.Coordinator.Run())
}

type singleAnalysisRequest struct {
	CVText     string  `json:"cv_text"`
	JobContext *string `json:"job_context"`
}

// handleSingleAnalysis runs one ad-hoc analysis. The call blocks until the
// remote answers; a request superseded by a newer one reports that instead of
// a failure.
func (svc *Service) handleSingleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req singleAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.CVText) == "" {
		http.Error(w, "cv_text is required", http.StatusBadRequest)
		return
	}

	res, err := svc.Analyser.Analyse(req.CVText, req.JobContext)
	if errors.Is(err, analysis.ErrSuperseded) {
		writeJSON(w, http.StatusOK, map[string]any{"superseded": true})
		return
	}
	if err != nil {
		var aerr *analysis.AnalysisError
		if errors.As(err, &aerr) {
			http.Error(w, aerr.Message, http.StatusBadGateway)
			return
		}
		svc.Log.Error("single analysis", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (svc *Service) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	res := svc.Analyser.Result()
	if res == nil {
		http.Error(w, "no analysis yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type jobRequest struct {
	CandidateID string  `json:"candidate_id"`
	RoleID      *string `json:"role_id"`
	CVText      string  `json:"cv_text"`
	JobContext  *string `json:"job_context"`
	Force       bool    `json:"force"` // invalidate matching entries and re-analyze
}

type jobResponse struct {
	Job      *storage.AnalysisJob `json:"job"`
	Existing bool                 `json:"existing"`
}

func (svc *Service) handleFindOrStartJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CandidateID == "" || strings.TrimSpace(req.CVText) == "" {
		http.Error(w, "candidate_id and cv_text are required", http.StatusBadRequest)
		return
	}

	if req.Force {
		if err := svc.Ledger.Invalidate(r.Context(), req.CandidateID, req.RoleID, req.CVText, req.JobContext); err != nil {
			svc.Log.Error("invalidate ledger entries", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	} else {
		existing, err := svc.Ledger.FindExisting(r.Context(), req.CandidateID, req.RoleID, req.CVText, req.JobContext)
		if err != nil {
			svc.Log.Error("find analysis job", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if existing != nil {
			writeJSON(w, http.StatusOK, jobResponse{Job: existing, Existing: true})
			return
		}
	}

	job, err := svc.Ledger.Start(r.Context(), req.CandidateID, req.RoleID, req.CVText, req.JobContext)
	if err != nil {
		svc.Log.Error("start analysis job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

var (
	jobPattern     = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathJobs))
	jobWaitPattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)/wait$", common.PathJobs))
)

func (svc *Service) handleGetJobByPrefix(w http.ResponseWriter, r *http.Request) {
	if m := jobWaitPattern.FindStringSubmatch(r.URL.Path); len(m) == 2 {
		svc.waitJob(w, r, m[1])
		return
	}
	m := jobPattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 2 {
		http.NotFound(w, r)
		return
	}
	job, err := svc.Ledger.Poll(r.Context(), m[1])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("poll analysis job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// waitJob long-polls until the job reaches a terminal status or the request
// context ends. Already-terminal jobs answer immediately.
func (svc *Service) waitJob(w http.ResponseWriter, r *http.Request, id string) {
	done := make(chan *storage.AnalysisJob, 1)
	unsubscribe := svc.Ledger.Subscribe(id, func(job *storage.AnalysisJob) {
		select {
		case done <- job:
		default:
		}
	})
	defer unsubscribe()

	// The subscription races the terminal transition; a fetch after
	// subscribing closes the gap.
	job, err := svc.Ledger.Poll(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("poll analysis job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job.Status.Terminal() {
		writeJSON(w, http.StatusOK, job)
		return
	}

	select {
	case updated := <-done:
		writeJSON(w, http.StatusOK, updated)
	case <-r.Context().Done():
		http.Error(w, "timeout waiting for job", http.StatusRequestTimeout)
	}
}

func (svc *Service) handleListNotices(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since cursor", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	writeJSON(w, http.StatusOK, svc.Notices.Since(since))
}

type createRoleRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

func (svc *Service) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	role := &storage.Role{ID: uuid.NewString(), Name: req.Name, Description: req.Description}
	if err := svc.Store.InsertRole(r.Context(), role); err != nil {
		svc.Log.Error("insert role", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (svc *Service) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := svc.Store.ListRoles(r.Context())
	if err != nil {
		svc.Log.Error("list roles", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (svc *Service) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := svc.Store.ListCandidates(r.Context())
	if err != nil {
		svc.Log.Error("list candidates", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

var candidatePattern = regexp.MustCompile(fmt.Sprintf("^%s/([a-f0-9-]+)$", common.PathCandidates))

func (svc *Service) handleGetCandidateByPrefix(w http.ResponseWriter, r *http.Request) {
	m := candidatePattern.FindStringSubmatch(r.URL.Path)
	if len(m) != 2 {
		http.NotFound(w, r)
		return
	}
	cand, err := svc.Store.GetCandidate(r.Context(), m[1])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("get candidate", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cand)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
