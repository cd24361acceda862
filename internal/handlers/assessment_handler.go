package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prep-portal/assessment-service/internal/models"
	"github.com/prep-portal/assessment-service/internal/services"
	"github.com/prep-portal/assessment-service/internal/utils"
)

type AssessmentHandler struct {
	BaseHandler
	assessmentService services.AssessmentService
}

func NewAssessmentHandler(assessmentService services.AssessmentService, logger utils.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		BaseHandler:       NewBaseHandler(logger),
		assessmentService: assessmentService,
	}
}

// CreateAssessment creates a flat or modular assessment
// @Summary Create assessment
// @Description Creates an assessment. Flat pools may be seeded from explicit
// ids, selection rules or a free-text command; modular assessments start with
// the default four-module layout.
// @Tags assessments
// @Accept json
// @Produce json
// @Param request body services.CreateAssessmentRequest true "Assessment definition"
// @Success 201 {object} models.Assessment
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /assessments [post]
func (h *AssessmentHandler) CreateAssessment(c *gin.Context) {
	var req services.CreateAssessmentRequest
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

	h.LogRequest(c, "Creating assessment", "kind", req.Kind, "title", req.Title)

	assessment, err := h.assessmentService.Create(c.Request.Context(), &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, assessment)
}

// GetAssessment returns the full assessment including pool and modules
func (h *AssessmentHandler) GetAssessment(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	assessment, err := h.assessmentService.Get(c.Request.Context(), id, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// UpdateAssessment applies a partial update to assessment settings
func (h *AssessmentHandler) UpdateAssessment(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var req services.UpdateAssessmentRequest
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

	assessment, err := h.assessmentService.Update(c.Request.Context(), id, &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// DeleteAssessment removes an assessment and its dependent rows
func (h *AssessmentHandler) DeleteAssessment(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	h.LogRequest(c, "Deleting assessment", "assessment_id", id)

	if err := h.assessmentService.Delete(c.Request.Context(), id, actor); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Assessment deleted"})
}

// ListAssessments lists assessments enriched with the caller's own state
// @Summary List assessments
// @Description Students see active assessments with lock state and their
// latest attempt; staff see everything.
// @Tags assessments
// @Produce json
// @Param course_id query string false "Filter by course"
// @Param kind query string false "Filter by kind"
// @Success 200 {array} services.StudentAssessmentView
// @Router /assessments [get]
func (h *AssessmentHandler) ListAssessments(c *gin.Context) {
	req := services.ListAssessmentsRequest{}
	if courseID := c.Query("course_id"); courseID != "" {
		req.CourseID = &courseID
	}
	if kind := c.Query("kind"); kind != "" {
		k := models.AssessmentKind(kind)
		req.Kind = &k
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	views, err := h.assessmentService.List(c.Request.Context(), &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, views)
}

// GeneratePool re-runs the selection engine against an existing assessment
// @Summary Generate pool
// @Tags assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment ID"
// @Param request body services.GeneratePoolRequest true "Rules or command"
// @Success 200 {object} models.Assessment
// @Failure 422 {object} ErrorResponse
// @Router /assessments/{id}/pool/generate [post]
func (h *AssessmentHandler) GeneratePool(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var req services.GeneratePoolRequest
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

	h.LogRequest(c, "Generating pool", "assessment_id", id, "append", req.Append)

	assessment, err := h.assessmentService.GeneratePool(c.Request.Context(), id, &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// SetPool replaces the flat pool with an explicit id list
func (h *AssessmentHandler) SetPool(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var req services.SetPoolRequest
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

	assessment, err := h.assessmentService.SetPool(c.Request.Context(), id, &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// AddQuestion appends a single question to the flat pool
func (h *AssessmentHandler) AddQuestion(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}
	questionID := ParseStringIDParam(c, "questionId")
	if questionID == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	assessment, err := h.assessmentService.AddQuestion(c.Request.Context(), id, questionID, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// RemoveQuestion drops a single question from the flat pool
func (h *AssessmentHandler) RemoveQuestion(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}
	questionID := ParseStringIDParam(c, "questionId")
	if questionID == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	assessment, err := h.assessmentService.RemoveQuestion(c.Request.Context(), id, questionID, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// ReplaceQuestion swaps one pooled question for another in place
func (h *AssessmentHandler) ReplaceQuestion(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var req services.ReplaceQuestionRequest
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

	assessment, err := h.assessmentService.ReplaceQuestion(c.Request.Context(), id, &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, assessment)
}

// SetOverride stores or clears a per-assessment question override
// @Summary Set question override
// @Description Overrides how a pooled question appears inside this assessment
// without touching the shared question record.
// @Tags assessments
// @Accept json
// @Produce json
// @Param id path string true "Assessment ID"
// @Param request body services.SetOverrideRequest true "Override payload"
// @Success 200 {object} SuccessResponse
// @Router /assessments/{id}/overrides [put]
func (h *AssessmentHandler) SetOverride(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var req services.SetOverrideRequest
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

	if err := h.assessmentService.SetOverride(c.Request.Context(), id, &req, actor); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Override updated"})
}

// SetModule assigns the question list for one module of a modular assessment
func (h *AssessmentHandler) SetModule(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var req services.SetModuleRequest
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

	h.LogRequest(c, "Setting module", "assessment_id", id, "subject", req.Subject, "module_index", req.ModuleIndex)

	module, err := h.assessmentService.SetModule(c.Request.Context(), id, &req, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, module)
}

// GrantAccess upserts a single access grant
func (h *AssessmentHandler) GrantAccess(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var grant services.AccessGrantInput
	if err := c.ShouldBindJSON(&grant); err != nil {
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

	if err := h.assessmentService.GrantAccess(c.Request.Context(), id, &grant, actor); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Access granted"})
}

// RevokeAccess deactivates a student's grant
func (h *AssessmentHandler) RevokeAccess(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}
	studentID := ParseStringIDParam(c, "studentId")
	if studentID == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	if err := h.assessmentService.RevokeAccess(c.Request.Context(), id, studentID, actor); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Access revoked"})
}

// ReplaceAccess swaps out the whole grant roster in one transaction
func (h *AssessmentHandler) ReplaceAccess(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	var body struct {
		Grants []*services.AccessGrantInput `json:"grants" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
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

	h.LogRequest(c, "Replacing access roster", "assessment_id", id, "grants", len(body.Grants))

	if err := h.assessmentService.ReplaceAccess(c.Request.Context(), id, body.Grants, actor); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Access roster replaced"})
}

// ListAccess returns the active grants for an assessment
func (h *AssessmentHandler) ListAccess(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	grants, err := h.assessmentService.ListAccess(c.Request.Context(), id, actor)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, grants)
}
