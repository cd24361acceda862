package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prep-portal/assessment-service/internal/services"
	"github.com/prep-portal/assessment-service/internal/utils"
)

type AttemptHandler struct {
	BaseHandler
	attemptService services.AttemptService
}

func NewAttemptHandler(attemptService services.AttemptService, logger utils.Logger) *AttemptHandler {
	return &AttemptHandler{
		BaseHandler:    NewBaseHandler(logger),
		attemptService: attemptService,
	}
}

// StartAttempt creates or resumes the caller's attempt
// @Summary Start attempt
// @Description Starts a new attempt or resumes the running one for the caller
// @Tags attempts
// @Accept json
// @Produce json
// @Param request body services.StartAttemptRequest true "Assessment to start"
// @Success 200 {object} services.StartAttemptResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /attempts/start [post]
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	var req services.StartAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	h.LogRequest(c, "Starting attempt", "assessment_id", req.AssessmentID)

	resp, err := h.attemptService.Start(c.Request.Context(), &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// SaveAttempt upserts answers into the running attempt's buffer
// @Summary Save answers
// @Tags attempts
// @Accept json
// @Produce json
// @Param request body services.SaveAttemptRequest true "Answers to save"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/save [post]
func (h *AttemptHandler) SaveAttempt(c *gin.Context) {
	var req services.SaveAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	if err := h.attemptService.Save(c.Request.Context(), &req, actor); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Answers saved"})
}

// SubmitAttempt scores and finalizes the attempt
// @Summary Submit attempt
// @Description Scores the attempt and transitions it to submitted. Scores are
// disclosed only when results are published or the caller is staff.
// @Tags attempts
// @Accept json
// @Produce json
// @Param request body services.SubmitAttemptRequest true "Final answers"
// @Success 200 {object} services.SubmitAttemptResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/submit [post]
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	var req services.SubmitAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	h.LogRequest(c, "Submitting attempt", "attempt_id", req.AttemptID)

	resp, err := h.attemptService.Submit(c.Request.Context(), &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReviewAttempt returns the graded view of a submitted attempt
// @Summary Review attempt
// @Tags attempts
// @Produce json
// @Param id path string true "Attempt ID"
// @Success 200 {object} services.ReviewResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/review [get]
func (h *AttemptHandler) ReviewAttempt(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	resp, err := h.attemptService.Review(c.Request.Context(), id, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ReviewLatestAttempt reviews the caller's most recent submitted attempt on an assessment
// @Summary Review latest attempt for assessment
// @Tags attempts
// @Produce json
// @Param id path string true "Assessment ID"
// @Success 200 {object} services.ReviewResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /assessments/{id}/review [get]
func (h *AttemptHandler) ReviewLatestAttempt(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	resp, err := h.attemptService.ReviewLatest(c.Request.Context(), id, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
