// api/handlers/hub_handler.go
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/John-ltf/IoT-functions/internal/cache"
	"github.com/John-ltf/IoT-functions/internal/hub"
	"github.com/John-ltf/IoT-functions/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// negotiateTokenTTL bounds how long a minted access token stays redeemable.
const negotiateTokenTTL = time.Minute

// HubHandler exposes one hub over HTTP: the negotiate handshake and the
// websocket attach endpoint.
type HubHandler struct {
	hub   *hub.Hub
	cache cache.RedisClient
	log   *logrus.Logger
}

// NewHubHandler creates a handler for one hub. The cache backs one-shot
// access tokens; without it, tokens are issued but not enforced.
func NewHubHandler(h *hub.Hub, cacheClient cache.RedisClient, log *logrus.Logger) *HubHandler {
	return &HubHandler{
		hub:   h,
		cache: cacheClient,
		log:   log,
	}
}

// Negotiate mints connection credentials for a client that wants to attach.
// The optional userid query parameter is bound to the eventual connection.
func (h *HubHandler) Negotiate(c *gin.Context) {
	h.log.Infof("Executing negotiation for hub %s", h.hub.Name())

	token := uuid.NewString()
	userID := c.Query("userid")

	if h.cache != nil {
		key := h.tokenKey(token)
		if err := h.cache.Set(c.Request.Context(), key, userID, negotiateTokenTTL); err != nil {
			h.log.WithError(err).Error("Failed to store negotiate token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Negotiation failed",
			})
			return
		}
	}

	c.JSON(http.StatusOK, models.NegotiateResponse{
		URL:         fmt.Sprintf("/ws/%s", h.hub.Name()),
		AccessToken: token,
	})
}

// Connect upgrades the request to a websocket subscriber connection,
// redeeming the access token minted by Negotiate.
func (h *HubHandler) Connect(c *gin.Context) {
	userID := c.Query("userid")

	if h.cache != nil {
		token := c.Query("access_token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing access token"})
			return
		}
		cachedUser, err := h.cache.GetDel(c.Request.Context(), h.tokenKey(token))
		if err != nil {
			h.log.WithError(err).Warnf("Rejected connection with unredeemable token on hub %s", h.hub.Name())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid access token"})
			return
		}
		if cachedUser != "" {
			userID = cachedUser
		}
	}

	if err := h.hub.Accept(c.Writer, c.Request, userID); err != nil {
		h.log.WithError(err).Error("Websocket upgrade failed")
	}
}

func (h *HubHandler) tokenKey(token string) string {
	return fmt.Sprintf("negotiate:%s:%s", h.hub.Name(), token)
}
