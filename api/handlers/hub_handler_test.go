package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/John-ltf/IoT-functions/internal/hub"
	"github.com/John-ltf/IoT-functions/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNegotiateReturnsCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	h := NewHubHandler(hub.New("live", nil), nil, logrus.New())
	r.POST("/api/negotiate/live", h.Negotiate)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/negotiate/live?userid=user-7", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp models.NegotiateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "/ws/live", resp.URL)
	_, err := uuid.Parse(resp.AccessToken)
	require.NoError(t, err)
}

func TestNegotiateHubsAreIndependent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	live := NewHubHandler(hub.New("live", nil), nil, logrus.New())
	history := NewHubHandler(hub.New("history", nil), nil, logrus.New())
	r.POST("/api/negotiate/live", live.Negotiate)
	r.POST("/api/negotiate/history", history.Negotiate)

	for path, wantURL := range map[string]string{
		"/api/negotiate/live":    "/ws/live",
		"/api/negotiate/history": "/ws/history",
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, path)
		var resp models.NegotiateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, wantURL, resp.URL, path)
	}
}
