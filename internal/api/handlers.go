package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"coldstore/internal/pathutil"
	"coldstore/internal/registry"
	"coldstore/internal/repo"
	"coldstore/internal/scheduler"
)

type transferRequest struct {
	Path   string `json:"path" binding:"required"`
	Email  string `json:"email" binding:"omitempty,email"`
	DryRun bool   `json:"dry_run"`
	// Force only applies to freeze requests.
	Force bool `json:"force"`
}

type listRequest struct {
	Path     string `json:"path" binding:"required"`
	Missing  bool   `json:"missing"`
	MaxDepth int    `json:"max_depth"`
	FromRoot bool   `json:"from_root"`
	Full     bool   `json:"full"`
}

type treeRequest struct {
	Path     string `json:"path" binding:"required"`
	MaxDepth int    `json:"max_depth"`
}

type taskResponse struct {
	ID         string          `json:"id"`
	Path       string          `json:"path"`
	Kind       registry.Kind   `json:"kind"`
	Status     registry.Status `json:"status"`
	CreatedAt  string          `json:"created_at"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type API struct {
	sched *scheduler.Scheduler
	repos *repo.Repos
}

func NewAPI(sched *scheduler.Scheduler, repos *repo.Repos) *API {
	return &API{sched: sched, repos: repos}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.POST("/pull", a.Pull)
	router.POST("/freeze", a.Freeze)
	router.POST("/list", a.List)
	router.POST("/tree", a.Tree)

	tasks := router.Group("/tasks")
	{
		tasks.GET("/status/:id", a.TaskStatus)
		tasks.GET("/remove/:id", a.TaskRemove)
		tasks.GET("/log/:id", a.TaskLog)
	}
}

// Pull submits a pull task for a path and returns its id. A path already
// covered by a running task returns that task's id instead.
func (a *API) Pull(c *gin.Context) {
	a.submit(c, registry.KindPull)
}

// Freeze submits a freeze task for a path.
func (a *API) Freeze(c *gin.Context) {
	a.submit(c, registry.KindFreeze)
}

func (a *API) submit(c *gin.Context, kind registry.Kind) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("invalid transfer request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, deduped, err := a.sched.Submit(scheduler.SubmitRequest{
		Path:   req.Path,
		Kind:   kind,
		Email:  req.Email,
		DryRun: req.DryRun,
		Force:  req.Force,
	})
	if err != nil {
		a.submitError(c, req.Path, kind, err)
		return
	}
	if deduped {
		log.Info().Str("path", req.Path).Str("task_id", id).Msg("request folded into running task")
	} else {
		log.Info().Str("path", req.Path).Str("kind", string(kind)).Str("task_id", id).Msg("task submitted")
	}
	c.JSON(http.StatusOK, gin.H{"task": id})
}

func (a *API) submitError(c *gin.Context, path string, kind registry.Kind, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNoWorkers):
		log.Error().Str("path", path).Msg("rejecting task: no live workers")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no worker available to process the task"})
	case errors.Is(err, repo.ErrNoRepoForPath):
		log.Warn().Str("path", path).Msg("path is not inside any repository")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Str("path", path).Str("kind", string(kind)).Err(err).Msg("task submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// List enumerates the remote files under a path.
func (a *API) List(c *gin.Context) {
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, canonical, ok := a.resolveRepo(c, req.Path)
	if !ok {
		return
	}
	files, err := r.RemoteList(c.Request.Context(), canonical, repo.ListOptions{
		MaxDepth: req.MaxDepth,
		Missing:  req.Missing,
		FromRoot: req.FromRoot,
		Full:     req.Full,
	})
	if err != nil {
		log.Error().Str("path", canonical).Err(err).Msg("remote listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, files)
}

// Tree lists remote entries under a path, flagging the ones missing locally.
func (a *API) Tree(c *gin.Context) {
	var req treeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, canonical, ok := a.resolveRepo(c, req.Path)
	if !ok {
		return
	}
	tree, err := r.RemoteTree(c.Request.Context(), canonical, req.MaxDepth)
	if err != nil {
		log.Error().Str("path", canonical).Err(err).Msg("remote tree failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (a *API) resolveRepo(c *gin.Context, reqPath string) (*repo.Repo, string, bool) {
	canonical, err := pathutil.Canonical(reqPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", false
	}
	r, err := a.repos.ForPath(canonical)
	if err != nil {
		log.Warn().Str("path", canonical).Msg("path is not inside any repository")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, "", false
	}
	return r, canonical, true
}

// TaskStatus returns the registry row for a task.
func (a *API) TaskStatus(c *gin.Context) {
	id := c.Param("id")
	task, err := a.sched.Status(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("task status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toTaskResponse(task))
}

// TaskRemove revokes a task and deletes its record.
func (a *API) TaskRemove(c *gin.Context) {
	id := c.Param("id")
	if err := a.sched.Remove(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		log.Error().Str("task_id", id).Err(err).Msg("task removal failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("task_id", id).Msg("task removed")
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

// TaskLog serves the worker log artifact of a task.
func (a *API) TaskLog(c *gin.Context) {
	id := c.Param("id")
	if _, err := a.sched.Status(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logPath := a.sched.LogPath(id)
	if _, err := os.Stat(logPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log recorded for this task"})
		return
	}
	c.FileAttachment(logPath, id+".log")
}

func toTaskResponse(t *registry.Task) taskResponse {
	resp := taskResponse{
		ID:        t.ID,
		Path:      t.Path,
		Kind:      t.Kind,
		Status:    t.Status,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
		Error:     t.Error,
	}
	if t.StartedAt != nil {
		resp.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	if t.FinishedAt != nil {
		resp.FinishedAt = t.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
