package trial

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"largon-licensing/pkg/middleware"
)

func postTrial(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, "/trial/validate", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleValidateRequiresDeviceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _, _, _ := newTrialService(t, time.Hour)

	r := gin.New()
	r.Use(middleware.Error())
	registerRoutes(r, svc)

	w := postTrial(t, r, gin.H{"org_id": "org-1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "Missing required fields: device_id", out["error"])
}

func TestHandleValidateStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, clk, _, _ := newTrialService(t, time.Hour)

	r := gin.New()
	r.Use(middleware.Error())
	registerRoutes(r, svc)

	w := postTrial(t, r, gin.H{"device_id": "dev-1", "org_id": "org-1"})
	require.Equal(t, http.StatusOK, w.Code)

	var out Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.True(t, out.FirstUse)
	require.NotNil(t, out.ExpiresAt)

	clk.Add(2 * time.Hour)

	w = postTrial(t, r, gin.H{"device_id": "dev-1", "org_id": "org-1"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "Trial has expired", out.Error)
}
