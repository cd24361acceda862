package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/repositories"
	"github.com/prep-portal/assessment-service/internal/services"
	"github.com/prep-portal/assessment-service/internal/utils"
)

type ReportHandler struct {
	BaseHandler
	reportService services.ReportService
}

func NewReportHandler(reportService services.ReportService, logger utils.Logger) *ReportHandler {
	return &ReportHandler{
		BaseHandler:   NewBaseHandler(logger),
		reportService: reportService,
	}
}

// AttemptsReport returns the per-student results roster for an assessment
// @Summary Attempts report
// @Description Latest submitted attempt per student with mistakes. Staff only.
// @Tags reports
// @Produce json
// @Param id path string true "Assessment ID"
// @Success 200 {object} services.AttemptsReport
// @Failure 403 {object} ErrorResponse
// @Router /assessments/{id}/report [get]
func (h *ReportHandler) AttemptsReport(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	report, err := h.reportService.AttemptsReport(c.Request.Context(), id, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// ExportAttemptsReport streams the attempts report as an xlsx workbook
func (h *ReportHandler) ExportAttemptsReport(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	h.LogRequest(c, "Exporting attempts report", "assessment_id", id)

	data, err := h.reportService.ExportAttemptsReport(c.Request.Context(), id, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("attempts-%s.xlsx", id)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

// SearchQuestions searches the question bank for staff authoring flows
// @Summary Search questions
// @Tags reports
// @Produce json
// @Param q query string false "Text search over stem and passage"
// @Param subject query string false "Subject filter"
// @Param topic query string false "Topic filter"
// @Param difficulty query string false "Difficulty filter"
// @Param limit query int false "Result cap"
// @Success 200 {array} models.Question
// @Router /questions/search [get]
func (h *ReportHandler) SearchQuestions(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	filters := repositories.QuestionSearchFilters{
		Query: c.Query("q"),
	}
	if topic := c.Query("topic"); topic != "" {
		filters.Topic = &topic
	}
	if subtopic := c.Query("subtopic"); subtopic != "" {
		filters.Subtopic = &subtopic
	}
	if subject := c.Query("subject"); subject != "" {
		s := models.Subject(subject)
		filters.Subject = &s
	}
	if difficulty := c.Query("difficulty"); difficulty != "" {
		d := models.DifficultyLevel(difficulty)
		filters.Difficulty = &d
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			filters.Limit = n
		}
	}

	questions, err := h.reportService.SearchQuestions(c.Request.Context(), filters, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, questions)
}

// SearchStudents looks up active students for the grant roster picker
// @Summary Search students
// @Tags reports
// @Produce json
// @Param q query string false "Name, username or student id"
// @Param limit query int false "Result cap"
// @Success 200 {array} models.User
// @Router /students/search [get]
func (h *ReportHandler) SearchStudents(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	students, err := h.reportService.SearchStudents(c.Request.Context(), c.Query("q"), limit, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, students)
}

// TopicMap returns published question counts grouped by subject and topic
func (h *ReportHandler) TopicMap(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	topics, err := h.reportService.TopicMap(c.Request.Context(), actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, topics)
}
