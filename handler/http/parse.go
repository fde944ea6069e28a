package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	"nutriparse/src/core/blob"
	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
	"nutriparse/src/core/validate"
	"nutriparse/src/infrastructure/metrics"
)

// Config carries the request-path knobs.
type Config struct {
	MaxFileSize     int64
	MaxSyncFileSize int64
	SyncDeadline    time.Duration
}

// ParseHandler serves the ingestion and retrieval endpoints.
type ParseHandler struct {
	store    job.Store
	queue    job.Queue
	blobs    blob.Store
	pipeline *parse.Pipeline
	metrics  *metrics.Service
	cfg      Config

	batchNode *snowflake.Node

	// deleted remembers recently removed job ids so result reads can
	// answer 410 instead of 404
	deleted   map[string]time.Time
	deletedMu sync.Mutex
}

func NewParseHandler(store job.Store, queue job.Queue, blobs blob.Store, pipeline *parse.Pipeline, m *metrics.Service, cfg Config) (*ParseHandler, error) {
	if cfg.SyncDeadline <= 0 {
		cfg.SyncDeadline = 60 * time.Second
	}
	node, err := snowflake.NewNode(3)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}
	return &ParseHandler{
		store:     store,
		queue:     queue,
		blobs:     blobs,
		pipeline:  pipeline,
		metrics:   m,
		cfg:       cfg,
		batchNode: node,
		deleted:   make(map[string]time.Time),
	}, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *ParseHandler) parsingType(c *gin.Context) (parse.Type, bool) {
	pt, ok := parse.ParseType(c.Query("parsing_type"))
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_parsing_type",
			fmt.Sprintf("unknown parsing_type %q", c.Query("parsing_type")), nil)
		return "", false
	}
	return pt, true
}

type acceptOptions struct {
	sync        bool
	batchID     string
	callbackURL string
}

// accept validates the upload and persists bytes plus the job record.
func (h *ParseHandler) accept(ctx context.Context, data []byte, filename string, pt parse.Type, pr job.Priority, opts acceptOptions) (*job.Job, *job.Error) {
	info, err := validate.Validate(data, filename, validate.Options{
		MaxFileSize:     h.cfg.MaxFileSize,
		MaxSyncFileSize: h.cfg.MaxSyncFileSize,
		SyncLimit:       opts.sync,
	})
	if err != nil {
		return nil, job.AsError(err, job.KindServerError)
	}

	j := job.New(info.Filename, info.Size, info.Hash, "", pt, pr)
	j.BatchID = opts.batchID
	j.CallbackURL = opts.callbackURL
	handle, _, putErr := h.blobs.Put(ctx, data, j.ID, info.Filename)
	if putErr != nil {
		return nil, job.NewError(job.KindBlobIO, "failed to store upload: %v", putErr)
	}
	j.BlobHandle = handle

	if createErr := h.store.Create(ctx, j); createErr != nil {
		// roll the blob back so a failed submit leaves nothing behind
		_ = h.blobs.Delete(ctx, handle)
		return nil, job.NewError(job.KindStoreUnavailable, "failed to create job: %v", createErr)
	}
	h.metrics.JobSubmitted()
	return j, nil
}

// Sync runs the pipeline inline under the configured deadline.
func (h *ParseHandler) Sync(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing_file", "no file uploaded", nil)
		return
	}
	data, err := readUpload(fh)
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable_file", "failed to read upload", nil)
		return
	}
	pt, ok := h.parsingType(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	j, jerr := h.accept(ctx, data, fh.Filename, pt, job.PriorityNormal, acceptOptions{sync: true})
	if jerr != nil {
		respondJobError(c, jerr)
		return
	}

	owner := "sync-" + RequestID(c)
	deadline := time.Now().Add(h.cfg.SyncDeadline)
	started := time.Now()
	_, err = h.store.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateRunning, job.Patch{
		LeaseOwner:    &owner,
		LeaseDeadline: &deadline,
		StartedAt:     &started,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "server_error", "failed to start job", nil)
		return
	}

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, runErr := h.pipeline.Run(runCtx, parse.Request{
		JobID:    j.ID,
		Filename: j.Filename,
		Type:     pt,
		Data:     data,
	}, nil)

	switch {
	case runErr == nil:
		if ackErr := h.queue.Ack(ctx, j.ID, owner, job.StateCompleted, result, nil); ackErr != nil {
			respondError(c, http.StatusInternalServerError, "server_error", "failed to commit result", nil)
			return
		}
		h.metrics.JobFinished("completed", time.Since(started))
		respondOK(c, gin.H{"job_id": j.ID, "result": result})

	case errors.Is(runErr, context.DeadlineExceeded):
		jerr := &job.Error{Kind: job.KindDeadlineExceeded, Message: "synchronous parse exceeded deadline, submit via /parse/async instead"}
		_ = h.queue.Ack(ctx, j.ID, owner, job.StateFailed, nil, jerr)
		h.metrics.JobFinished("failed", time.Since(started))
		respondJobError(c, jerr)

	default:
		jerr := job.AsError(runErr, job.KindServerError)
		var se *parse.StageError
		if errors.As(runErr, &se) {
			jerr = &job.Error{Kind: job.ErrorKind(se.Kind), Message: se.Message, Stage: se.Stage}
		}
		_ = h.queue.Ack(ctx, j.ID, owner, job.StateFailed, nil, jerr)
		h.metrics.JobFinished("failed", time.Since(started))
		respondJobError(c, jerr)
	}
}

// Async validates, stores and enqueues; parsing happens on a worker.
func (h *ParseHandler) Async(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing_file", "no file uploaded", nil)
		return
	}
	data, err := readUpload(fh)
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable_file", "failed to read upload", nil)
		return
	}
	pt, ok := h.parsingType(c)
	if !ok {
		return
	}
	pr, ok := job.ParsePriority(c.Query("priority"))
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_priority",
			fmt.Sprintf("unknown priority %q", c.Query("priority")), nil)
		return
	}

	ctx := c.Request.Context()
	j, jerr := h.accept(ctx, data, fh.Filename, pt, pr, acceptOptions{
		callbackURL: c.Query("callback_url"),
	})
	if jerr != nil {
		respondJobError(c, jerr)
		return
	}

	if err := h.enqueue(ctx, j); err != nil {
		respondError(c, http.StatusInternalServerError, "server_error", "failed to enqueue job", nil)
		return
	}

	respondAccepted(c, "job accepted", gin.H{"job_id": j.ID})
}

func (h *ParseHandler) enqueue(ctx context.Context, j *job.Job) error {
	return h.queue.Enqueue(ctx, j.ID)
}

// Batch accepts several files under one batch id. Validation failures
// reject the whole batch before anything is stored.
func (h *ParseHandler) Batch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing_files", "no files uploaded", nil)
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		respondError(c, http.StatusBadRequest, "missing_files", "no files uploaded", nil)
		return
	}
	pt, ok := h.parsingType(c)
	if !ok {
		return
	}
	pr, ok := job.ParsePriority(c.Query("priority"))
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_priority",
			fmt.Sprintf("unknown priority %q", c.Query("priority")), nil)
		return
	}

	type upload struct {
		data     []byte
		filename string
	}
	uploads := make([]upload, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			respondError(c, http.StatusBadRequest, "unreadable_file",
				fmt.Sprintf("failed to read %s", fh.Filename), nil)
			return
		}
		if _, verr := validate.Validate(data, fh.Filename, validate.Options{
			MaxFileSize: h.cfg.MaxFileSize,
		}); verr != nil {
			jerr := job.AsError(verr, job.KindServerError)
			respondError(c, statusForKind(jerr.Kind), string(jerr.Kind),
				fmt.Sprintf("%s: %s", fh.Filename, jerr.Message), nil)
			return
		}
		uploads = append(uploads, upload{data: data, filename: fh.Filename})
	}

	ctx := c.Request.Context()
	batch := &job.Batch{
		ID:          h.batchNode.Generate().Base36(),
		Description: c.Query("description"),
	}
	if err := h.store.CreateBatch(ctx, batch); err != nil {
		respondError(c, http.StatusInternalServerError, "server_error", "failed to create batch", nil)
		return
	}

	jobIDs := make([]string, 0, len(uploads))
	for _, u := range uploads {
		j, jerr := h.accept(ctx, u.data, u.filename, pt, pr, acceptOptions{batchID: batch.ID})
		if jerr != nil {
			respondJobError(c, jerr)
			return
		}
		if err := h.enqueue(ctx, j); err != nil {
			respondError(c, http.StatusInternalServerError, "server_error", "failed to enqueue job", nil)
			return
		}
		jobIDs = append(jobIDs, j.ID)
	}

	respondAccepted(c, "batch accepted", gin.H{"batch_id": batch.ID, "job_ids": jobIDs})
}

// Status reports state, progress and current stage.
func (h *ParseHandler) Status(c *gin.Context) {
	j, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "job not found", nil)
			return
		}
		respondError(c, http.StatusInternalServerError, "server_error", "failed to load job", nil)
		return
	}
	respondOK(c, gin.H{
		"job_id":   j.ID,
		"state":    j.State,
		"progress": j.Progress,
		"stage":    j.Stage,
		"attempts": j.Attempts,
	})
}

// Result returns the structured result once completed, 202 while the
// job is still moving, and 410 for recently deleted jobs.
func (h *ParseHandler) Result(c *gin.Context) {
	id := c.Param("id")
	j, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			if h.wasDeleted(id) {
				respondError(c, http.StatusGone, "deleted", "job was deleted", nil)
				return
			}
			respondError(c, http.StatusNotFound, "not_found", "job not found", nil)
			return
		}
		respondError(c, http.StatusInternalServerError, "server_error", "failed to load job", nil)
		return
	}

	switch j.State {
	case job.StateCompleted:
		respondOK(c, gin.H{"job_id": j.ID, "result": j.Result})
	case job.StateFailed:
		respondOK(c, gin.H{"job_id": j.ID, "state": j.State, "error": j.Error})
	case job.StateCancelled:
		respondOK(c, gin.H{"job_id": j.ID, "state": j.State})
	default:
		respondAccepted(c, "job not yet completed", gin.H{
			"job_id":   j.ID,
			"state":    j.State,
			"progress": j.Progress,
			"stage":    j.Stage,
		})
	}
}

// History lists jobs with filters and paging, newest first.
func (h *ParseHandler) History(c *gin.Context) {
	f := job.Filter{}
	if s := c.Query("state"); s != "" {
		f.States = []job.State{job.State(s)}
	}
	if t := c.Query("parsing_type"); t != "" {
		pt, ok := parse.ParseType(t)
		if !ok {
			respondError(c, http.StatusBadRequest, "invalid_parsing_type",
				fmt.Sprintf("unknown parsing_type %q", t), nil)
			return
		}
		f.ParsingType = pt
	}
	f.BatchID = c.Query("batch_id")
	if v := c.Query("created_after"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.CreatedAfter = &ts
		}
	}
	if v := c.Query("created_before"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.CreatedBefore = &ts
		}
	}
	f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	f.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	jobs, total, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "server_error", "failed to list jobs", nil)
		return
	}
	respondOK(c, gin.H{
		"jobs":      jobs,
		"total":     total,
		"page":      f.Page,
		"page_size": f.PageSize,
	})
}

// Delete removes the job record and its blob.
func (h *ParseHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	handle, err := h.store.Delete(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "job not found", nil)
			return
		}
		respondError(c, http.StatusInternalServerError, "server_error", "failed to delete job", nil)
		return
	}
	if handle != "" {
		_ = h.blobs.Delete(c.Request.Context(), handle)
	}
	h.markDeleted(id)
	c.Status(http.StatusNoContent)
}

// Cancel stops a job. Pending and queued jobs cancel immediately;
// leased and running jobs cancel cooperatively at the next stage
// boundary.
func (h *ParseHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	j, err := h.store.Transition(c.Request.Context(), id,
		[]job.State{job.StatePending, job.StateQueued, job.StateLeased, job.StateRunning},
		job.StateCancelled, job.Patch{})
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			respondError(c, http.StatusNotFound, "not_found", "job not found", nil)
		case errors.Is(err, job.ErrConflict):
			respondError(c, http.StatusConflict, "conflict", "job already finished", nil)
		default:
			respondError(c, http.StatusInternalServerError, "server_error", "failed to cancel job", nil)
		}
		return
	}
	respondOK(c, gin.H{"job_id": j.ID, "state": j.State})
}

// Batch status: aggregates plus the member jobs.
func (h *ParseHandler) BatchStatus(c *gin.Context) {
	summary, jobs, err := h.store.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "batch not found", nil)
			return
		}
		respondError(c, http.StatusInternalServerError, "server_error", "failed to load batch", nil)
		return
	}
	respondOK(c, gin.H{"batch": summary, "jobs": jobs})
}

const deletedTTL = time.Hour

func (h *ParseHandler) markDeleted(id string) {
	h.deletedMu.Lock()
	defer h.deletedMu.Unlock()
	now := time.Now()
	for k, t := range h.deleted {
		if now.Sub(t) > deletedTTL {
			delete(h.deleted, k)
		}
	}
	h.deleted[id] = now
}

func (h *ParseHandler) wasDeleted(id string) bool {
	h.deletedMu.Lock()
	defer h.deletedMu.Unlock()
	t, ok := h.deleted[id]
	return ok && time.Since(t) <= deletedTTL
}
