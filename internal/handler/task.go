package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/triage/internal/model"
	"github.com/BuzzLyutic/triage/internal/quadrant"
	"github.com/BuzzLyutic/triage/internal/repo"
	"github.com/BuzzLyutic/triage/internal/service"
	"github.com/BuzzLyutic/triage/pkg/respond"
)

type TaskHandler struct {
	service *service.TaskService
	logger  *zap.Logger
	out     io.Writer
}

func NewTaskHandler(srv *service.TaskService, logger *zap.Logger, out io.Writer) *TaskHandler {
	return &TaskHandler{
		service: srv,
		logger:  logger,
		out:     out,
	}
}

type deletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type dragResponse struct {
	Previews []quadrant.Preview `json:"previews,omitempty"`
	Decision quadrant.Decision  `json:"decision"`
	Task     *model.Task        `json:"task,omitempty"`
}

// Add creates a task in the inbox, or directly in a bucket when priority is
// set. An empty description creates nothing and is not an error.
func (h *TaskHandler) Add(ctx context.Context, description, priority string) error {
	var p *model.Priority
	if priority != "" {
		parsed, err := model.ParsePriority(priority)
		if err != nil {
			return h.handleErrors(fmt.Errorf("%w: %v", service.ErrValidation, err))
		}
		p = &parsed
	}

	task, err := h.service.CreateIn(ctx, description, p)
	if errors.Is(err, service.ErrValidation) {
		h.logger.Debug("add ignored", zap.Error(err))
		return nil
	}
	if err != nil {
		return h.handleErrors(err)
	}
	return respond.JSON(h.out, task)
}

func (h *TaskHandler) List(ctx context.Context, partition string) error {
	p, err := model.ParsePartition(partition)
	if err != nil {
		return h.handleErrors(fmt.Errorf("%w: %v", service.ErrValidation, err))
	}

	tasks, err := h.service.List(ctx, p)
	if err != nil {
		return h.handleErrors(err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return respond.JSON(h.out, tasks)
}

func (h *TaskHandler) Rename(ctx context.Context, id int64, description string) error {
	task, deleted, err := h.service.Rename(ctx, id, description)
	if err != nil {
		return h.handleErrors(err)
	}
	if deleted {
		return respond.JSON(h.out, deletedResponse{Deleted: id})
	}
	return respond.JSON(h.out, task)
}

func (h *TaskHandler) Toggle(ctx context.Context, id int64) error {
	task, err := h.service.Toggle(ctx, id)
	if err != nil {
		return h.handleErrors(err)
	}
	return respond.JSON(h.out, task)
}

func (h *TaskHandler) Delete(ctx context.Context, id int64) error {
	if err := h.service.Delete(ctx, id); err != nil {
		return h.handleErrors(err)
	}
	return respond.JSON(h.out, deletedResponse{Deleted: id})
}

// Move reorders a partition by rank and prints the resulting order.
func (h *TaskHandler) Move(ctx context.Context, partition string, from, to int) error {
	p, err := model.ParsePartition(partition)
	if err != nil {
		return h.handleErrors(fmt.Errorf("%w: %v", service.ErrValidation, err))
	}

	tasks, err := h.service.Reorder(ctx, p, nil, from, to)
	if err != nil {
		return h.handleErrors(err)
	}
	return respond.JSON(h.out, tasks)
}

// Drag replays a displacement stream for task id. Every sample but the last
// is reported as a preview; the last one is the release.
func (h *TaskHandler) Drag(ctx context.Context, id int64, samples []quadrant.Displacement) error {
	if len(samples) == 0 {
		return h.handleErrors(fmt.Errorf("%w: no drag samples", service.ErrValidation))
	}

	c := h.service.Classifier()
	resp := dragResponse{}
	for _, s := range samples[:len(samples)-1] {
		resp.Previews = append(resp.Previews, c.Preview(s))
	}

	task, d, err := h.service.Drag(ctx, id, samples)
	if err != nil {
		return h.handleErrors(err)
	}
	resp.Decision = d
	if d.Commit {
		resp.Task = &task
	}
	return respond.JSON(h.out, resp)
}

func (h *TaskHandler) Stats(ctx context.Context) error {
	stats, err := h.service.Stats(ctx)
	if err != nil {
		return h.handleErrors(err)
	}
	return respond.JSON(h.out, stats)
}

// ParseSamples reads "dx dy" pairs, one per line. Blank lines and lines
// starting with # are skipped.
func ParseSamples(r io.Reader) ([]quadrant.Displacement, error) {
	var samples []quadrant.Displacement

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"dx dy\", got %q", line, text)
		}
		dx, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: dx: %w", line, err)
		}
		dy, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: dy: %w", line, err)
		}
		sample := quadrant.Displacement{DX: dx, DY: dy}
		if !sample.Finite() {
			return nil, fmt.Errorf("line %d: %q is not a finite offset", line, text)
		}
		samples = append(samples, sample)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	return samples, nil
}

// handleErrors prints a short message for err and returns it so the command
// exits non-zero.
func (h *TaskHandler) handleErrors(err error) error {
	var message string
	switch {
	case errors.Is(err, repo.ErrorNotFound):
		message = "not found"
	case errors.Is(err, service.ErrStale):
		message = "stale order"
	case errors.Is(err, repo.ErrorConflict):
		message = "conflict"
	case errors.Is(err, service.ErrValidation):
		message = "validation error"
	default:
		h.logger.Error("internal error", zap.Error(err))
		message = "internal error"
	}
	if werr := respond.Error(h.out, message); werr != nil {
		h.logger.Warn("failed to write response", zap.Error(werr))
	}
	return err
}
