// api/handlers/telemetry_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/John-ltf/IoT-functions/internal/cache"
	"github.com/John-ltf/IoT-functions/internal/models"
	"github.com/John-ltf/IoT-functions/internal/record"
	"github.com/John-ltf/IoT-functions/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TelemetryHandler serves the read/delete pass-through to storage
type TelemetryHandler struct {
	repo  repository.Repository
	cache cache.RedisClient
	log   *logrus.Logger
}

// NewTelemetryHandler creates a new TelemetryHandler instance
func NewTelemetryHandler(repo repository.Repository, cacheClient cache.RedisClient, log *logrus.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		repo:  repo,
		cache: cacheClient,
		log:   log,
	}
}

// History returns a device's records since a given instant, newest first
func (h *TelemetryHandler) History(c *gin.Context) {
	device := c.Param("device")
	since, err := record.ParseTime(c.Param("since"))
	if err != nil {
		h.log.WithError(err).Warn("Invalid history start time")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid start time",
		})
		return
	}

	h.log.Infof("Getting history for device %s", device)

	records, err := h.repo.History(c.Request.Context(), device, since)
	if err != nil {
		h.log.WithError(err).Error("Failed to query device history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to query device history",
		})
		return
	}

	if records == nil {
		records = []*models.TelemetryRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// Latest returns the most recent record for a device, served from cache
// when the storage sink has populated it.
func (h *TelemetryHandler) Latest(c *gin.Context) {
	device := c.Param("device")

	if h.cache != nil {
		cached, err := h.cache.Get(c.Request.Context(), cache.LatestRecordKey(device))
		if err == nil {
			var rec models.TelemetryRecord
			if err := json.Unmarshal([]byte(cached), &rec); err == nil {
				c.JSON(http.StatusOK, rec)
				return
			}
			h.log.Warnf("Discarding unreadable cached record for device %s", device)
		}
	}

	rec, err := h.repo.Latest(c.Request.Context(), device)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "No records for device",
			})
			return
		}
		h.log.WithError(err).Error("Failed to query latest record")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to query latest record",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// Delete removes one record and echoes it back
func (h *TelemetryHandler) Delete(c *gin.Context) {
	device := c.Param("device")
	id := c.Param("id")

	h.log.Infof("Deleting telemetry data with id %s", id)

	rec, err := h.repo.Delete(c.Request.Context(), device, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Record not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to delete record")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete record",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}
