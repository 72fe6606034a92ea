package v1

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/auth"
	"einvoice-portal/onboarding-backend/internal/onboarding"
	"einvoice-portal/onboarding-backend/internal/realtime"
)

// OnboardingAPI holds the onboarding API dependencies
type OnboardingAPI struct {
	Handler  *onboarding.Handler
	Service  *onboarding.Service
	Realtime *realtime.Manager
	Auth     *auth.Handler
	secret   string
}

// SetupOnboardingAPI sets up the onboarding API with all dependencies
func SetupOnboardingAPI(service *onboarding.Service, manager *realtime.Manager, jwtSecret string, logger *zap.Logger) *OnboardingAPI {
	return &OnboardingAPI{
		Handler:  onboarding.NewHandler(service, logger),
		Service:  service,
		Realtime: manager,
		Auth:     auth.NewHandler(),
		secret:   jwtSecret,
	}
}

// RegisterOnboardingRoutes registers the onboarding, websocket and auth routes
func RegisterOnboardingRoutes(router *gin.RouterGroup, api *OnboardingAPI) {
	auth.RegisterRoutes(router, api.Auth, api.secret)

	roles := make([]string, 0, len(onboarding.Roles()))
	for _, r := range onboarding.Roles() {
		roles = append(roles, string(r))
	}

	group := router.Group("/onboarding", auth.Middleware(api.secret), auth.RequireRole(roles...))
	{
		api.Handler.RegisterRoutes(group)
		group.GET("/ws", api.Realtime.Serve)
	}
}
