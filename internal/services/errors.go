package services

import (
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/prep-portal/assessment-service/internal/errors"
)

// ===== COMMON SERVICE ERRORS =====

var (
	// Generic errors
	ErrNotFound         = errors.New("resource not found")
	ErrUnauthorized     = errors.New("unauthorized access")
	ErrForbidden        = errors.New("forbidden - insufficient permissions")
	ErrValidationFailed = errors.New("validation failed")
	ErrInternalError    = errors.New("internal server error")
	ErrBadRequest       = errors.New("bad request")
	ErrConflict         = errors.New("resource conflict")

	// Assessment specific errors
	ErrAssessmentNotFound   = errors.New("assessment not found")
	ErrAssessmentNoAccess   = errors.New("no access to assessment")
	ErrAssessmentLocked     = errors.New("assessment is locked")
	ErrAssessmentEmptyPool  = errors.New("assessment has no questions yet")
	ErrModulePoolIncomplete = errors.New("module pool does not match its required count")

	// Question specific errors
	ErrQuestionNotFound = errors.New("question not found")

	// Attempt specific errors
	ErrAttemptNotFound         = errors.New("attempt not found")
	ErrAttemptAccessDenied     = errors.New("access denied to attempt")
	ErrAttemptAlreadySubmitted = errors.New("attempt already submitted")
	ErrRetakesDisabled         = errors.New("retakes disabled")
	ErrRetakeLimitReached      = errors.New("retake limit reached")
	ErrResultsNotPublished     = errors.New("results not published")

	// User errors
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidRole  = errors.New("invalid user role")
)

// ===== CUSTOM ERROR TYPES =====

// Use shared validation errors from errors package
type ValidationError = apperrors.ValidationError
type ValidationErrors = apperrors.ValidationErrors

// InsufficientPoolError aggregates per-rule deficiency messages from the
// selection engine. Nothing is committed when it is returned.
type InsufficientPoolError struct {
	Messages []string `json:"messages"`
}

func (e *InsufficientPoolError) Error() string {
	return "selection failed: " + strings.Join(e.Messages, "; ")
}

type BusinessRuleError struct {
	Rule    string                 `json:"rule"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (bre *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation (%s): %s", bre.Rule, bre.Message)
}

type PermissionError struct {
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

func (pe *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: user %s cannot %s %s %s - %s",
		pe.UserID, pe.Action, pe.Resource, pe.ResourceID, pe.Reason)
}

// ===== ERROR HELPERS =====

// NewValidationError creates a new validation error using the shared type
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return apperrors.NewValidationError(field, message, value)
}

func NewBusinessRuleError(rule, message string, context map[string]interface{}) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

func NewPermissionError(userID, resourceID, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:     userID,
		ResourceID: resourceID,
		Resource:   resource,
		Action:     action,
		Reason:     reason,
	}
}

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAssessmentNotFound) ||
		errors.Is(err, ErrQuestionNotFound) ||
		errors.Is(err, ErrAttemptNotFound) ||
		errors.Is(err, ErrUserNotFound)
}

// IsForbidden checks if error represents a role/access/retake refusal
func IsForbidden(err error) bool {
	if errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAssessmentNoAccess) ||
		errors.Is(err, ErrAttemptAccessDenied) ||
		errors.Is(err, ErrRetakesDisabled) ||
		errors.Is(err, ErrRetakeLimitReached) ||
		errors.Is(err, ErrResultsNotPublished) {
		return true
	}
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsLocked checks if error represents a locked-not-forbidden state: the
// assessment stays visible in listings but is not startable right now.
func IsLocked(err error) bool {
	return errors.Is(err, ErrAssessmentLocked) ||
		errors.Is(err, ErrAssessmentEmptyPool) ||
		errors.Is(err, ErrModulePoolIncomplete)
}

// IsValidation checks if error represents a validation failure
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidationFailed) || errors.Is(err, ErrBadRequest) {
		return true
	}
	var ve apperrors.ValidationErrors
	if errors.As(err, &ve) {
		return true
	}
	var single *apperrors.ValidationError
	return errors.As(err, &single)
}

// IsBusinessRule checks if error represents a business rule violation
func IsBusinessRule(err error) bool {
	var bre *BusinessRuleError
	return errors.As(err, &bre)
}

// IsConflict checks if error represents a resource conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAttemptAlreadySubmitted)
}

// IsInsufficientPool checks if error carries per-rule selection deficiencies
func IsInsufficientPool(err error) bool {
	var ipe *InsufficientPoolError
	return errors.As(err, &ipe)
}
