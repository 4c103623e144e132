package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	v1 "github.com/fyrsmithlabs/knowd/pkg/api/v1"

	"github.com/fyrsmithlabs/knowd/internal/container"
	"github.com/fyrsmithlabs/knowd/internal/contribution"
	"github.com/fyrsmithlabs/knowd/internal/reranker"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/task"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, v1.HealthResponse{
		Status:  "ok",
		Service: s.config.ServiceName,
	})
}

// Task handlers

func (s *Server) handleSubmitTask(c echo.Context) error {
	var req v1.SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}

	t, err := s.deps.Tasks.Submit(c.Request().Context(), task.SubmitRequest{
		MethodologyID: req.MethodologyID,
		CapabilityID:  req.CapabilityID,
		Input:         req.Input,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, toTaskResponse(*t))
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.deps.Tasks.List(task.Status(c.QueryParam("status")))
	if err != nil {
		return s.writeError(c, err)
	}
	out := make([]v1.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toTaskResponse(*t))
}

func (s *Server) handleInterruptTask(c echo.Context) error {
	return s.taskAction(c, s.deps.Tasks.RequestInterrupt)
}

func (s *Server) handleResumeTask(c echo.Context) error {
	return s.taskAction(c, s.deps.Tasks.Resume)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	return s.taskAction(c, s.deps.Tasks.Cancel)
}

func (s *Server) handleRetryTask(c echo.Context) error {
	return s.taskAction(c, s.deps.Tasks.Retry)
}

func (s *Server) taskAction(c echo.Context, action func(string) error) error {
	id := c.Param("id")
	if err := action(id); err != nil {
		return s.writeError(c, err)
	}
	t, err := s.deps.Tasks.Get(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toTaskResponse(*t))
}

func (s *Server) handleAmendTask(c echo.Context) error {
	var req v1.AmendTaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if len(req.Patch) == 0 {
		return badRequest(c, "patch is required")
	}
	id := c.Param("id")
	if err := s.deps.Tasks.AmendContext(id, req.Patch); err != nil {
		return s.writeError(c, err)
	}
	t, err := s.deps.Tasks.Get(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toTaskResponse(*t))
}

// Container handlers

func (s *Server) handlePutContainer(c echo.Context) error {
	var req v1.PutContainerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}

	ctx := c.Request().Context()
	cont := &container.Container{
		ID:       req.ID,
		Kind:     container.Kind(req.Kind),
		ParentID: req.ParentID,
		Payload:  req.Payload,
		Scope:    container.Scope(req.Scope),
	}
	if req.Origin != "" {
		cont.Provenance.Origin = container.Origin(req.Origin)
	}

	if len(req.EmbedText) > 0 {
		if s.deps.Embedder == nil {
			return badRequest(c, "embedding is not configured")
		}
		cont.Embeddings = make(map[string][]float32, len(req.EmbedText))
		for space, text := range req.EmbedText {
			vecs, err := s.deps.Embedder.EmbedDocuments(ctx, []string{text})
			if err != nil {
				return s.writeError(c, err)
			}
			cont.Embeddings[space] = vecs[0]
		}
	}

	id, err := s.deps.Store.Put(ctx, cont)
	if err != nil {
		return s.writeError(c, err)
	}
	stored, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, toContainerResponse(stored))
}

func (s *Server) handleGetContainer(c echo.Context) error {
	cont, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toContainerResponse(cont))
}

func (s *Server) handleContainerTree(c echo.Context) error {
	depth := intParam(c, "depth", 3)
	limit := intParam(c, "limit", 100)
	offset := intParam(c, "offset", 0)

	containers, total, err := s.deps.Store.Traverse(c.Request().Context(), c.Param("id"), depth, limit, offset)
	if err != nil {
		return s.writeError(c, err)
	}
	out := v1.TreeResponse{
		Containers: make([]v1.ContainerResponse, len(containers)),
		Total:      total,
	}
	for i, cont := range containers {
		out.Containers[i] = toContainerResponse(cont)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSearch(c echo.Context) error {
	var req v1.SearchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Query == "" {
		return badRequest(c, "query is required")
	}
	if s.deps.Embedder == nil {
		return badRequest(c, "embedding is not configured")
	}

	ctx := c.Request().Context()
	vec, err := s.deps.Embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return s.writeError(c, err)
	}

	hits, err := s.deps.Store.Search(ctx, store.SearchRequest{
		Vector: vec,
		Space:  req.Space,
		K:      req.K,
		Scope:  container.Scope(req.Scope),
	})
	if err != nil {
		return s.writeError(c, err)
	}

	if req.Rerank {
		hits, err = rerankHits(ctx, req.Query, hits)
		if err != nil {
			return s.writeError(c, err)
		}
	}

	out := make([]v1.SearchHit, len(hits))
	for i, h := range hits {
		out[i] = v1.SearchHit{Container: toContainerResponse(h.Container), Score: h.Score}
	}
	return c.JSON(http.StatusOK, out)
}

// rerankHits reorders search hits by lexical overlap with the query.
// Hit order changes; the reported scores stay the vector similarities.
func rerankHits(ctx context.Context, query string, hits []store.Scored) ([]store.Scored, error) {
	docs := make([]reranker.Document, len(hits))
	for i, h := range hits {
		docs[i] = reranker.Document{
			ID:      h.Container.ID,
			Content: string(h.Container.Payload),
			Score:   h.Score,
		}
	}
	ranked, err := reranker.NewLexical().Rerank(ctx, query, docs, 0)
	if err != nil {
		return nil, err
	}
	out := make([]store.Scored, len(ranked))
	for i, r := range ranked {
		out[i] = hits[r.OriginalRank]
	}
	return out, nil
}

// Contribution handlers

func (s *Server) handleContribute(c echo.Context) error {
	if s.deps.Contrib == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "contribution pipeline is not configured")
	}
	var req v1.ContributeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.SourceContainerID == "" {
		return badRequest(c, "source_container_id is required")
	}

	cand, err := s.deps.Contrib.Submit(c.Request().Context(), req.SourceContainerID, req.Fixtures)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, toCandidateResponse(*cand))
}

func (s *Server) handleListContributions(c echo.Context) error {
	if s.deps.Contrib == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "contribution pipeline is not configured")
	}
	cands, err := s.deps.Contrib.List(contribution.Status(c.QueryParam("status")))
	if err != nil {
		return s.writeError(c, err)
	}
	out := make([]v1.CandidateResponse, len(cands))
	for i, cand := range cands {
		out[i] = toCandidateResponse(cand)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetContribution(c echo.Context) error {
	if s.deps.Contrib == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "contribution pipeline is not configured")
	}
	cand, err := s.deps.Contrib.Get(c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, toCandidateResponse(*cand))
}

// Mapping and error translation

func toTaskResponse(t task.Task) v1.TaskResponse {
	out := v1.TaskResponse{
		ID:            t.ID,
		MethodologyID: t.MethodologyID,
		CapabilityID:  t.CapabilityID,
		Status:        string(t.Status),
		Escalated:     t.Escalated,
		Context:       t.Snapshot.Context,
		Result:        t.Result,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
	}
	if t.Diagnostic != nil {
		out.Diagnostic = &v1.Diagnostic{
			NodePath:     t.Diagnostic.NodePath,
			CapabilityID: t.Diagnostic.CapabilityID,
			Attempts:     t.Diagnostic.Attempts,
			Message:      t.Diagnostic.Message,
		}
	}
	return out
}

func toContainerResponse(c *container.Container) v1.ContainerResponse {
	return v1.ContainerResponse{
		ID:        c.ID,
		Kind:      string(c.Kind),
		ParentID:  c.ParentID,
		Payload:   c.Payload,
		Scope:     string(c.Scope),
		Origin:    string(c.Provenance.Origin),
		Adoption:  c.Provenance.AdoptionCount,
		Version:   c.Provenance.Version,
		CreatedAt: c.Provenance.CreatedAt,
	}
}

func toCandidateResponse(cand contribution.Candidate) v1.CandidateResponse {
	return v1.CandidateResponse{
		ID:                cand.ID,
		SourceContainerID: cand.SourceContainerID,
		Status:            string(cand.Status),
		Votes:             cand.Votes,
		Diagnostics:       cand.Diagnostics,
		CreatedAt:         cand.CreatedAt,
		Deadline:          cand.Deadline,
		DecidedAt:         cand.DecidedAt,
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: msg})
}

func (s *Server) writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), v1.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, contribution.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrNotPaused),
		errors.Is(err, task.ErrNotFailed),
		errors.Is(err, task.ErrTerminal),
		errors.Is(err, task.ErrImmutableKey),
		errors.Is(err, store.ErrMergeConflict):
		return http.StatusConflict
	case errors.Is(err, task.ErrQueueFull),
		errors.Is(err, contribution.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, runtime.ErrLoadRejected),
		errors.Is(err, contribution.ErrNotEligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, task.ErrInvalidSubmission),
		errors.Is(err, store.ErrScopeViolation),
		errors.Is(err, store.ErrInvalidParent),
		errors.Is(err, container.ErrInvalidKind),
		errors.Is(err, container.ErrInvalidScope),
		errors.Is(err, container.ErrInvalidNesting),
		errors.Is(err, container.ErrMissingPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func intParam(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
