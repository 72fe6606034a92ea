package onboarding

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/auth"
	"einvoice-portal/onboarding-backend/pkg/kvstore"
)

const handlerSecret = "handler-secret"

type handlerFixture struct {
	router  *gin.Engine
	tracker *recordingTracker
	primary *MockRemote
}

func newHandlerFixture(t *testing.T, withRemote bool) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := kvstore.NewMemoryStore(0)
	t.Cleanup(func() { mem.Close() })
	local := NewLocalBackend(mem)
	tracker := &recordingTracker{}

	f := &handlerFixture{tracker: tracker}
	var primary RemoteBackend
	if withRemote {
		f.primary = new(MockRemote)
		primary = f.primary
	}
	store := NewStore(primary, nil, local, tracker, zap.NewNop())
	service := NewService(store, local, NewResumeDetector(DefaultResumeConfig()), tracker, zap.NewNop())

	r := gin.New()
	group := r.Group("/api/v1/onboarding", auth.Middleware(handlerSecret))
	NewHandler(service, zap.NewNop()).RegisterRoutes(group)
	f.router = r
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path, role string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		token, err := auth.GenerateAccessToken("user-1", "", role, "portal", handlerSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func progressField(t *testing.T, body map[string]interface{}, key string) interface{} {
	t.Helper()
	p, ok := body["progress"].(map[string]interface{})
	require.True(t, ok, "progress missing in %v", body)
	return p[key]
}

func TestHandler_RequiresToken(t *testing.T) {
	f := newHandlerFixture(t, false)
	w, _ := f.do(t, http.MethodGet, "/api/v1/onboarding/progress", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_RejectsRoleWithoutFlow(t *testing.T) {
	f := newHandlerFixture(t, false)
	w, _ := f.do(t, http.MethodGet, "/api/v1/onboarding/progress", "admin", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_Catalog(t *testing.T) {
	f := newHandlerFixture(t, false)
	w, body := f.do(t, http.MethodGet, "/api/v1/onboarding/catalog", "app", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "app", body["role"])
	assert.Len(t, body["steps"], 6)

	w, body = f.do(t, http.MethodGet, "/api/v1/onboarding/catalog?role=hybrid", "app", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/dashboard/hybrid", body["dashboard_route"])
}

func TestHandler_ProgressFlow(t *testing.T) {
	f := newHandlerFixture(t, false)

	w, body := f.do(t, http.MethodGet, "/api/v1/onboarding/progress", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "service_introduction", progressField(t, body, "current_step"))
	assert.Equal(t, 8.0, progressField(t, body, "total_steps"))

	w, body = f.do(t, http.MethodPost, "/api/v1/onboarding/progress/steps/service_introduction/complete", "si",
		CompleteStepRequest{Metadata: map[string]interface{}{"source": "wizard"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"service_introduction"}, progressField(t, body, "completed_steps"))
	assert.Equal(t, "integration_choice", progressField(t, body, "next_step"))

	w, body = f.do(t, http.MethodPut, "/api/v1/onboarding/progress/step", "si",
		UpdateStepRequest{Step: StepIntegrationChoice, Completed: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "integration_choice", progressField(t, body, "current_step"))
	assert.Nil(t, body["sync_error"])

	w, body = f.do(t, http.MethodGet, "/api/v1/onboarding/guard/business_systems_setup", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := body["result"].(map[string]interface{})
	assert.Equal(t, true, result["can_access"])

	w, body = f.do(t, http.MethodGet, "/api/v1/onboarding/guard?path=/onboarding/si/banking_connections", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	action := body["action"].(map[string]interface{})
	assert.Equal(t, "restricted", action["type"])
	assert.Equal(t, []interface{}{"financial_systems_setup"}, action["missing_dependencies"])

	w, body = f.do(t, http.MethodPost, "/api/v1/onboarding/progress/complete", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, progressField(t, body, "is_complete"))

	w, body = f.do(t, http.MethodDelete, "/api/v1/onboarding/progress", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, progressField(t, body, "is_complete"))
	assert.Equal(t, "service_introduction", progressField(t, body, "current_step"))
}

func TestHandler_StepErrors(t *testing.T) {
	f := newHandlerFixture(t, false)

	w, _ := f.do(t, http.MethodPost, "/api/v1/onboarding/progress/steps/firs_integration_setup/start", "si", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/onboarding/progress/steps/banking_connections/skip", "si", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = f.do(t, http.MethodPut, "/api/v1/onboarding/progress/step", "si", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/onboarding/guard?path=/dashboard/si", "si", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_InvalidBodiesGetReadableErrors(t *testing.T) {
	f := newHandlerFixture(t, false)

	w, body := f.do(t, http.MethodPut, "/api/v1/onboarding/progress/step", "si", map[string]interface{}{"completed": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "A step is required", body["error"])
	assert.NotContains(t, w.Body.String(), "UpdateStepRequest")

	w, body = f.do(t, http.MethodPost, "/api/v1/onboarding/progress/steps/service_introduction/complete", "si",
		map[string]interface{}{"metadata": "not-an-object"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Step details could not be read", body["error"])
	assert.NotContains(t, w.Body.String(), "json:")
}

func TestHandler_SyncErrorReturnsLocalState(t *testing.T) {
	f := newHandlerFixture(t, true)
	f.primary.On("Fetch", mock.Anything, mock.Anything).Return(nil, errUpstream)
	f.primary.On("Update", mock.Anything, mock.Anything, mock.Anything).Return(errUpstream)

	w, body := f.do(t, http.MethodPut, "/api/v1/onboarding/progress/step", "app",
		UpdateStepRequest{Step: StepServiceIntroduction, Completed: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["sync_error"])
	assert.NotContains(t, body["sync_error"], "upstream down")
	assert.Equal(t, []interface{}{"service_introduction"}, progressField(t, body, "completed_steps"))
}

func TestHandler_ResumeFlow(t *testing.T) {
	f := newHandlerFixture(t, false)

	w, body := f.do(t, http.MethodGet, "/api/v1/onboarding/resume?path=/dashboard/si", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	eligibility := body["eligibility"].(map[string]interface{})
	assert.Equal(t, false, eligibility["eligible"])
	assert.Equal(t, "recently active", eligibility["reason"])

	w, body = f.do(t, http.MethodPost, "/api/v1/onboarding/resume/dismiss", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := body["state"].(map[string]interface{})
	assert.Equal(t, true, state["user_dismissed_resume"])

	w, body = f.do(t, http.MethodPost, "/api/v1/onboarding/resume/accept", "si", nil)
	require.Equal(t, http.StatusOK, w.Code)
	action := body["action"].(map[string]interface{})
	assert.Equal(t, "redirect", action["type"])
	assert.Equal(t, "/onboarding/si/service_introduction", action["path"])
}
