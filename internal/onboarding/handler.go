package onboarding

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/auth"
)

// Handler handles HTTP requests for onboarding operations
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a new onboarding handler
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers onboarding routes. The group must run auth.Middleware.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/catalog", h.getCatalog)

	progress := router.Group("/progress")
	{
		progress.GET("", h.getProgress)
		progress.PUT("/step", h.updateStep)
		progress.POST("/steps/:step/start", h.startStep)
		progress.POST("/steps/:step/complete", h.completeStep)
		progress.POST("/steps/:step/skip", h.skipStep)
		progress.POST("/complete", h.markComplete)
		progress.DELETE("", h.reset)
	}

	router.GET("/guard/:step", h.checkAccess)
	router.GET("/guard", h.checkAccessPath)

	resume := router.Group("/resume")
	{
		resume.GET("", h.checkResume)
		resume.POST("/accept", h.acceptResume)
		resume.POST("/dismiss", h.dismissResume)
	}
}

// UpdateStepRequest is the body of PUT /progress/step
type UpdateStepRequest struct {
	Step      StepID `json:"step" binding:"required"`
	Completed bool   `json:"completed"`
}

// CompleteStepRequest is the optional body of POST /progress/steps/:step/complete
type CompleteStepRequest struct {
	Metadata map[string]interface{} `json:"metadata"`
}

// getCatalog handles GET /api/v1/onboarding/catalog
func (h *Handler) getCatalog(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	role := user.Role
	if q := c.Query("role"); q != "" {
		r, err := ParseRole(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role = r
	}

	view, err := h.service.Catalog(role)
	if err != nil {
		h.writeError(c, "Failed to load catalog", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// getProgress handles GET /api/v1/onboarding/progress
func (h *Handler) getProgress(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	summary, err := h.service.GetProgress(c.Request.Context(), user)
	h.writeProgress(c, "Failed to load progress", summary, err)
}

// updateStep handles PUT /api/v1/onboarding/progress/step
func (h *Handler) updateStep(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req UpdateStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "A step is required", err)
		return
	}

	summary, err := h.service.UpdateStep(c.Request.Context(), user, req.Step, req.Completed)
	h.writeProgress(c, "Failed to update step", summary, err)
}

// startStep handles POST /api/v1/onboarding/progress/steps/:step/start
func (h *Handler) startStep(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	summary, err := h.service.StartStep(c.Request.Context(), user, StepID(c.Param("step")))
	h.writeProgress(c, "Failed to start step", summary, err)
}

// completeStep handles POST /api/v1/onboarding/progress/steps/:step/complete
func (h *Handler) completeStep(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req CompleteStepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "Step details could not be read", err)
			return
		}
	}

	summary, err := h.service.CompleteStep(c.Request.Context(), user, StepID(c.Param("step")), req.Metadata)
	h.writeProgress(c, "Failed to complete step", summary, err)
}

// skipStep handles POST /api/v1/onboarding/progress/steps/:step/skip
func (h *Handler) skipStep(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	summary, err := h.service.SkipStep(c.Request.Context(), user, StepID(c.Param("step")))
	h.writeProgress(c, "Failed to skip step", summary, err)
}

// markComplete handles POST /api/v1/onboarding/progress/complete
func (h *Handler) markComplete(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	summary, err := h.service.MarkComplete(c.Request.Context(), user)
	h.writeProgress(c, "Failed to complete onboarding", summary, err)
}

// reset handles DELETE /api/v1/onboarding/progress
func (h *Handler) reset(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	summary, err := h.service.Reset(c.Request.Context(), user)
	h.writeProgress(c, "Failed to reset onboarding", summary, err)
}

// checkAccess handles GET /api/v1/onboarding/guard/:step
func (h *Handler) checkAccess(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	var routeRole Role
	if q := c.Query("role"); q != "" {
		r, err := ParseRole(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		routeRole = r
	}

	result, action, err := h.service.CheckAccess(c.Request.Context(), user, StepID(c.Param("step")), routeRole)
	if err != nil {
		h.writeError(c, "Failed to check step access", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "action": action})
}

// checkAccessPath handles GET /api/v1/onboarding/guard?path=/onboarding/{role}/{step}
func (h *Handler) checkAccessPath(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	result, action, err := h.service.CheckAccessPath(c.Request.Context(), user, c.Query("path"))
	if err != nil {
		h.writeError(c, "Failed to check route access", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result, "action": action})
}

// checkResume handles GET /api/v1/onboarding/resume?path=
func (h *Handler) checkResume(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	eligibility, action, err := h.service.CheckResume(c.Request.Context(), user, c.Query("path"))
	if err != nil {
		h.writeError(c, "Failed to check resume prompt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligibility": eligibility, "action": action})
}

// acceptResume handles POST /api/v1/onboarding/resume/accept
func (h *Handler) acceptResume(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	action, err := h.service.AcceptResume(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, "Failed to resume onboarding", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action})
}

// dismissResume handles POST /api/v1/onboarding/resume/dismiss
func (h *Handler) dismissResume(c *gin.Context) {
	user, ok := h.currentUser(c)
	if !ok {
		return
	}
	state, err := h.service.DismissResume(c.Request.Context(), user)
	if err != nil {
		h.writeError(c, "Failed to dismiss resume prompt", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// =====================================================
// Helper Methods
// =====================================================

// currentUser resolves the caller set by the auth middleware
func (h *Handler) currentUser(c *gin.Context) (User, bool) {
	p, ok := auth.CurrentPrincipal(c)
	if !ok || p.UserID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return User{}, false
	}
	role, err := ParseRole(p.Role)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "Your account has no onboarding flow"})
		return User{}, false
	}
	return User{ID: p.UserID, Role: role, Token: p.Token}, true
}

// badRequest answers 400 with msg. Binding errors stay in the log.
func (h *Handler) badRequest(c *gin.Context, msg string, err error) {
	h.logger.Debug("Invalid onboarding request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// writeProgress renders a progress summary. A failed remote sync still
// returns the locally applied state, flagged with sync_error.
func (h *Handler) writeProgress(c *gin.Context, msg string, summary *ProgressSummary, err error) {
	if err != nil && !(IsSyncError(err) && summary != nil) {
		h.writeError(c, msg, err)
		return
	}
	body := gin.H{"progress": summary}
	if err != nil {
		h.logger.Warn(msg, zap.Error(err))
		body["sync_error"] = "Your progress was saved on this device but could not be synced yet"
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUserRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrUnknownRole):
		status = http.StatusForbidden
	case errors.Is(err, ErrUnknownStep):
		status = http.StatusNotFound
	case errors.Is(err, ErrStepNotOptional):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrProgressUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
