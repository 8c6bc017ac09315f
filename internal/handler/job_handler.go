package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlastrips/notify-pipeline/internal/domain"
	"github.com/atlastrips/notify-pipeline/internal/repository"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type JobService interface {
	Enqueue(ctx context.Context, job *domain.Job, source string) (*domain.Job, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	GetWithAttempts(ctx context.Context, id string) (*domain.Job, []domain.DeliveryAttempt, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Job, int64, error)
	CountByStatus(ctx context.Context) ([]repository.StatusCount, error)
	ListDeadLetters(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	Retry(ctx context.Context, jobID string) (*domain.Job, error)
	RetryDeadLetter(ctx context.Context, deadLetterID string) (*domain.Job, error)
	RetryAllFailed(ctx context.Context) (int64, error)
}

type JobHandler struct {
	service JobService
}

func NewJobHandler(service JobService) (*JobHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("job service is required")
	}
	return &JobHandler{service: service}, nil
}

func RegisterJobRoutes(router fiber.Router, service JobService) error {
	h, err := NewJobHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/jobs", h.EnqueueJob)
	v1.Get("/jobs", h.ListJobs)
	v1.Post("/jobs/retry-failed", h.RetryAllFailed)
	v1.Get("/jobs/:id", h.GetJob)
	v1.Post("/jobs/:id/retry", h.RetryJob)
	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Get("/dead-letters/:id", h.GetDeadLetter)
	v1.Post("/dead-letters/:id/retry", h.RetryDeadLetter)

	return nil
}

type recipientRequest struct {
	UserID    *string `json:"userId"`
	Phone     *string `json:"phone"`
	Email     *string `json:"email"`
	PushToken *string `json:"pushToken"`
}

type enqueueJobRequest struct {
	OrganizationID    *string          `json:"organizationId"`
	TripID            *string          `json:"tripId"`
	NotificationType  string           `json:"notificationType"`
	Recipient         recipientRequest `json:"recipient"`
	Payload           map[string]any   `json:"payload"`
	ChannelPreference []string         `json:"channelPreference"`
	ScheduledFor      *time.Time       `json:"scheduledFor"`
	IdempotencyKey    *string          `json:"idempotencyKey"`
	MaxAttempts       *int             `json:"maxAttempts,omitempty"`
}

type recipientResponse struct {
	UserID    *string `json:"userId,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Email     *string `json:"email,omitempty"`
	PushToken *string `json:"pushToken,omitempty"`
}

type jobResponse struct {
	ID                string            `json:"id"`
	OrganizationID    *string           `json:"organizationId,omitempty"`
	TripID            *string           `json:"tripId,omitempty"`
	NotificationType  string            `json:"notificationType"`
	Recipient         recipientResponse `json:"recipient"`
	Payload           map[string]any    `json:"payload,omitempty"`
	ChannelPreference []string          `json:"channelPreference"`
	ScheduledFor      time.Time         `json:"scheduledFor"`
	Status            string            `json:"status"`
	Attempts          int               `json:"attempts"`
	MaxAttempts       int               `json:"maxAttempts"`
	IdempotencyKey    *string           `json:"idempotencyKey,omitempty"`
	LastAttemptAt     *time.Time        `json:"lastAttemptAt,omitempty"`
	ProcessedAt       *time.Time        `json:"processedAt,omitempty"`
	ErrorMessage      *string           `json:"errorMessage,omitempty"`
	CreatedAt         time.Time         `json:"createdAt,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt,omitempty"`
}

type attemptResponse struct {
	ID                string    `json:"id"`
	Channel           string    `json:"channel"`
	Status            string    `json:"status"`
	AttemptNumber     int       `json:"attemptNumber"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	ErrorMessage      *string   `json:"errorMessage,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type jobDetailResponse struct {
	jobResponse
	Attempts []attemptResponse `json:"deliveryAttempts"`
}

type listJobsResponse struct {
	Data    []jobResponse `json:"data"`
	Meta    listMeta      `json:"meta"`
	Summary listSummary   `json:"summary"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type listSummary struct {
	CountsByStatus map[string]int `json:"countsByStatus"`
}

type deadLetterResponse struct {
	ID               string            `json:"id"`
	JobID            string            `json:"jobId"`
	OrganizationID   *string           `json:"organizationId,omitempty"`
	TripID           *string           `json:"tripId,omitempty"`
	NotificationType string            `json:"notificationType"`
	Attempts         int               `json:"attempts"`
	FailedChannels   []string          `json:"failedChannels"`
	Payload          map[string]any    `json:"payload,omitempty"`
	Recipient        recipientResponse `json:"recipient"`
	ErrorMessage     *string           `json:"errorMessage,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

func (h *JobHandler) EnqueueJob(c *fiber.Ctx) error {
	var req enqueueJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	job, err := requestToDomainJob(req)
	if err != nil {
		return toHTTPError(err)
	}

	created, wasCreated, err := h.service.Enqueue(c.Context(), &job, "api")
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusAccepted
	if !wasCreated {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(toJobResponse(created))
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	job, attempts, err := h.service.GetWithAttempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(jobDetailResponse{
		jobResponse: toJobResponse(job),
		Attempts:    toAttemptResponses(attempts),
	})
}

func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	jobs, total, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	counts, err := h.service.CountByStatus(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	countsByStatus := make(map[string]int, len(counts))
	for _, count := range counts {
		countsByStatus[count.Status.String()] = count.Count
	}

	data := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		data = append(data, toJobResponse(&jobs[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listJobsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
		Summary: listSummary{CountsByStatus: countsByStatus},
	})
}

func (h *JobHandler) RetryJob(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	replay, err := h.service.Retry(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toJobResponse(replay))
}

func (h *JobHandler) RetryAllFailed(c *fiber.Ctx) error {
	count, err := h.service.RetryAllFailed(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"requeued": count,
	})
}

func (h *JobHandler) ListDeadLetters(c *fiber.Ctx) error {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)
	if page < 1 {
		return toHTTPError(fmt.Errorf("%w: page must be >= 1", domain.ErrValidation))
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return toHTTPError(fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize))
	}

	letters, total, err := h.service.ListDeadLetters(c.Context(), page, pageSize)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(letters))
	for i := range letters {
		data = append(data, toDeadLetterResponse(&letters[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{
		Data: data,
		Meta: listMeta{Page: page, PageSize: pageSize, Total: total},
	})
}

func (h *JobHandler) GetDeadLetter(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	letter, err := h.service.GetDeadLetter(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDeadLetterResponse(letter))
}

func (h *JobHandler) RetryDeadLetter(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	replay, err := h.service.RetryDeadLetter(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toJobResponse(replay))
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Channel = &channel
	}

	params.FailedOnly = c.QueryBool("failedOnly", false)

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func requestToDomainJob(req enqueueJobRequest) (domain.Job, error) {
	if len(req.ChannelPreference) == 0 {
		return domain.Job{}, fmt.Errorf("%w: channelPreference is required", domain.ErrValidation)
	}

	preference := make(domain.ChannelList, 0, len(req.ChannelPreference))
	for _, raw := range req.ChannelPreference {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return domain.Job{}, err
		}
		if preference.Contains(channel) {
			return domain.Job{}, fmt.Errorf("%w: duplicate channel %q in preference", domain.ErrValidation, channel)
		}
		preference = append(preference, channel)
	}

	job := domain.Job{
		OrganizationID:   req.OrganizationID,
		TripID:           req.TripID,
		NotificationType: strings.TrimSpace(req.NotificationType),
		Recipient: domain.Recipient{
			UserID:    req.Recipient.UserID,
			Phone:     req.Recipient.Phone,
			Email:     req.Recipient.Email,
			PushToken: req.Recipient.PushToken,
		},
		Payload:           req.Payload,
		ChannelPreference: preference,
		IdempotencyKey:    req.IdempotencyKey,
	}
	if req.ScheduledFor != nil {
		job.ScheduledFor = req.ScheduledFor.UTC()
	}
	if req.MaxAttempts != nil {
		job.MaxAttempts = *req.MaxAttempts
	}

	return job, nil
}

func toJobResponse(j *domain.Job) jobResponse {
	channels := make([]string, 0, len(j.ChannelPreference))
	for _, channel := range j.ChannelPreference {
		channels = append(channels, channel.String())
	}

	return jobResponse{
		ID:               j.ID,
		OrganizationID:   j.OrganizationID,
		TripID:           j.TripID,
		NotificationType: j.NotificationType,
		Recipient: recipientResponse{
			UserID:    j.Recipient.UserID,
			Phone:     j.Recipient.Phone,
			Email:     j.Recipient.Email,
			PushToken: j.Recipient.PushToken,
		},
		Payload:           j.Payload,
		ChannelPreference: channels,
		ScheduledFor:      j.ScheduledFor,
		Status:            j.Status.String(),
		Attempts:          j.Attempts,
		MaxAttempts:       j.MaxAttempts,
		IdempotencyKey:    j.IdempotencyKey,
		LastAttemptAt:     j.LastAttemptAt,
		ProcessedAt:       j.ProcessedAt,
		ErrorMessage:      j.ErrorMessage,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func toAttemptResponses(attempts []domain.DeliveryAttempt) []attemptResponse {
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResponse{
			ID:                a.ID,
			Channel:           a.Channel.String(),
			Status:            a.Status.String(),
			AttemptNumber:     a.AttemptNumber,
			ProviderMessageID: a.ProviderMessageID,
			ErrorMessage:      a.ErrorMessage,
			CreatedAt:         a.CreatedAt,
		})
	}
	return out
}

func toDeadLetterResponse(d *domain.DeadLetter) deadLetterResponse {
	channels := make([]string, 0, len(d.FailedChannels))
	for _, channel := range d.FailedChannels {
		channels = append(channels, channel.String())
	}

	return deadLetterResponse{
		ID:               d.ID,
		JobID:            d.JobID,
		OrganizationID:   d.OrganizationID,
		TripID:           d.TripID,
		NotificationType: d.NotificationType,
		Attempts:         d.Attempts,
		FailedChannels:   channels,
		Payload:          d.Payload,
		Recipient: recipientResponse{
			UserID:    d.Recipient.UserID,
			Phone:     d.Recipient.Phone,
			Email:     d.Recipient.Email,
			PushToken: d.Recipient.PushToken,
		},
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
