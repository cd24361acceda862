package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prep-portal/assessment-service/internal/services"
	"github.com/prep-portal/assessment-service/internal/utils"
)

type HandlerManager struct {
	assessmentHandler *AssessmentHandler
	attemptHandler    *AttemptHandler
	reportHandler     *ReportHandler
}

func NewHandlerManager(
	assessmentService services.AssessmentService,
	attemptService services.AttemptService,
	reportService services.ReportService,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		assessmentHandler: NewAssessmentHandler(assessmentService, logger),
		attemptHandler:    NewAttemptHandler(attemptService, logger),
		reportHandler:     NewReportHandler(reportService, logger),
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", HealthCheck)

	// API v1 routes; identity comes from the gateway headers
	v1 := router.Group("/api/v1")
	v1.Use(IdentityMiddleware())
	{
		// Assessment routes
		assessments := v1.Group("/assessments")
		{
			assessments.POST("", hm.assessmentHandler.CreateAssessment)
			assessments.GET("", hm.assessmentHandler.ListAssessments)
			assessments.GET("/:id", hm.assessmentHandler.GetAssessment)
			assessments.PUT("/:id", hm.assessmentHandler.UpdateAssessment)
			assessments.DELETE("/:id", hm.assessmentHandler.DeleteAssessment)

			// Pool management
			assessments.POST("/:id/pool/generate", hm.assessmentHandler.GeneratePool)
			assessments.PUT("/:id/pool", hm.assessmentHandler.SetPool)
			assessments.POST("/:id/questions/:questionId", hm.assessmentHandler.AddQuestion)
			assessments.DELETE("/:id/questions/:questionId", hm.assessmentHandler.RemoveQuestion)
			assessments.PUT("/:id/questions/replace", hm.assessmentHandler.ReplaceQuestion)
			assessments.PUT("/:id/overrides", hm.assessmentHandler.SetOverride)
			assessments.PUT("/:id/modules", hm.assessmentHandler.SetModule)

			// Access grants
			assessments.POST("/:id/access", hm.assessmentHandler.GrantAccess)
			assessments.PUT("/:id/access", hm.assessmentHandler.ReplaceAccess)
			assessments.GET("/:id/access", hm.assessmentHandler.ListAccess)
			assessments.DELETE("/:id/access/:studentId", hm.assessmentHandler.RevokeAccess)

			// Review the caller's latest submitted attempt
			assessments.GET("/:id/review", hm.attemptHandler.ReviewLatestAttempt)

			// Staff reporting
			assessments.GET("/:id/report", hm.reportHandler.AttemptsReport)
			assessments.GET("/:id/report/export", hm.reportHandler.ExportAttemptsReport)
		}

		// Attempt routes
		attempts := v1.Group("/attempts")
		{
			attempts.POST("/start", hm.attemptHandler.StartAttempt)
			attempts.POST("/save", hm.attemptHandler.SaveAttempt)
			attempts.POST("/submit", hm.attemptHandler.SubmitAttempt)
			attempts.GET("/:id/review", hm.attemptHandler.ReviewAttempt)
		}

		// Question bank lookups for authoring
		questions := v1.Group("/questions")
		{
			questions.GET("/search", hm.reportHandler.SearchQuestions)
			questions.GET("/topics", hm.reportHandler.TopicMap)
		}

		// Student directory for the grant roster picker
		students := v1.Group("/students")
		{
			students.GET("/search", hm.reportHandler.SearchStudents)
		}
	}
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "assessment-service",
	})
}
