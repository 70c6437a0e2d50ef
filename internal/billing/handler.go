package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lumina-crm/lumina/internal/platform/httpx"
	"github.com/lumina-crm/lumina/internal/shared"
)

// Handler exposes the engine's HTTP surface: the scheduled-run trigger, the
// manual per-template trigger and the revenue projection.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	runner     *Runner
	repo       RepositoryPort
	cache      *ProjectionCache
	validate   *validator.Validate
	cronSecret string
}

// NewHandler constructs the billing HTTP handler.
func NewHandler(logger *slog.Logger, service *Service, runner *Runner, repo RepositoryPort, cache *ProjectionCache, cronSecret string) *Handler {
	return &Handler{
		logger:     logger,
		service:    service,
		runner:     runner,
		repo:       repo,
		cache:      cache,
		validate:   validator.New(),
		cronSecret: cronSecret,
	}
}

// RunScheduled drives the batch from the cron trigger. Guarded by the shared
// secret; an invalid token aborts before any item is touched.
func (h *Handler) RunScheduled(w http.ResponseWriter, r *http.Request) {
	if !h.authorizedCron(r) {
		httpx.RespondError(w, httpx.ErrUnauthorized, "invalid trigger token")
		return
	}

	var req RunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.RespondError(w, httpx.ErrValidation, "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, httpx.ErrValidation, err.Error())
		return
	}

	var (
		report *RunReport
		err    error
	)
	if req.AsOf != "" {
		asOf, perr := time.Parse("2006-01-02", req.AsOf)
		if perr != nil {
			httpx.RespondError(w, httpx.ErrValidation, "as_of must be YYYY-MM-DD")
			return
		}
		report, err = h.runner.RunAt(r.Context(), asOf)
	} else {
		report, err = h.runner.Run(r.Context())
	}
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			httpx.RespondError(w, httpx.ErrConflict, err.Error())
			return
		}
		h.logger.Error("scheduled run", slog.Any("error", err))
		httpx.RespondError(w, err, "")
		return
	}

	httpx.JSON(w, http.StatusOK, RunResponse{
		Success: report.Summary.Failed == 0,
		RunID:   report.RunID,
		Summary: report.Summary,
		Details: report.Details,
		Errors:  report.Errors,
	})
}

// GenerateManual drives the per-template trigger for the session user.
func (h *Handler) GenerateManual(w http.ResponseWriter, r *http.Request) {
	user, err := shared.RequireUser(r.Context())
	if err != nil {
		httpx.RespondError(w, httpx.ErrUnauthorized, err.Error())
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation, "invalid template id")
		return
	}

	inv, tpl, err := h.service.GenerateManual(r.Context(), id, user)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotOwner):
			// Not revealing other users' template IDs.
			httpx.RespondError(w, httpx.ErrNotFound, "template not found")
		case errors.Is(err, ErrMaxOccurrencesReached):
			httpx.RespondError(w, httpx.ErrConflict, "Maximum occurrences reached")
		case errors.Is(err, ErrCycleAlreadyGenerated):
			httpx.RespondError(w, httpx.ErrConflict, err.Error())
		case errors.Is(err, ErrNotRecurring), errors.Is(err, ErrUnknownRecurrence):
			httpx.RespondError(w, httpx.ErrUnprocessable, err.Error())
		default:
			h.logger.Error("manual generate", slog.Int64("template_id", id), slog.Any("error", err))
			httpx.RespondError(w, err, "")
		}
		return
	}

	httpx.JSON(w, http.StatusCreated, ManualGenerateResponse{
		Invoice: *inv,
		Amounts: inv.Amounts(),
		Schedule: ScheduleState{
			NextIssueDate:   tpl.NextIssueDate,
			OccurrenceCount: tpl.OccurrenceCount,
			MaxOccurrences:  tpl.MaxOccurrences,
			LastSentAt:      tpl.LastSentAt,
		},
	})
}

// Projection serves normalised monthly recurring revenue per currency,
// cached in Redis behind singleflight.
func (h *Handler) Projection(w http.ResponseWriter, r *http.Request) {
	if _, err := shared.RequireUser(r.Context()); err != nil {
		httpx.RespondError(w, httpx.ErrUnauthorized, err.Error())
		return
	}

	key, err := h.cache.BuildKey(r.Context(), "billing", "projection")
	if err != nil {
		h.logger.Error("projection cache key", slog.Any("error", err))
		httpx.RespondError(w, err, "")
		return
	}

	result, err := singleflightProjection(r.Context(), key, func(ctx context.Context) (interface{}, error) {
		var projection Projection
		err := h.cache.FetchJSON(ctx, key, &projection, func(ctx context.Context) (interface{}, error) {
			templates, err := h.repo.ListActiveTemplates(ctx)
			if err != nil {
				return nil, err
			}
			return ProjectMonthly(templates), nil
		})
		if err != nil {
			return nil, err
		}
		return projection, nil
	})
	if err != nil {
		h.logger.Error("build projection", slog.Any("error", err))
		httpx.RespondError(w, err, "")
		return
	}

	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) authorizedCron(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || h.cronSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
}
