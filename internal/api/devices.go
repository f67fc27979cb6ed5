package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/thereceipt/fax-engine/internal/registry"
)

// handleGetDevices returns all known devices
func (s *Server) handleGetDevices(c *gin.Context) {
	devices := []registry.DeviceEntry{}
	if s.registry != nil {
		devices = s.registry.GetAll()
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":    devices,
		"ws_clients": s.hub.Count(),
	})
}

// handleSetSubscription turns broadcasts on or off for a device
func (s *Server) handleSetSubscription(c *gin.Context) {
	deviceID := c.Param("id")

	var req struct {
		Subscribed *bool `json:"subscribed" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscribed is required"})
		return
	}

	if s.registry == nil || !s.registry.SetSubscribed(deviceID, *req.Subscribed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleSetDeviceName sets a custom name for a device
func (s *Server) handleSetDeviceName(c *gin.Context) {
	deviceID := c.Param("id")

	var req struct {
		Name string `json:"name" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if s.registry == nil || !s.registry.SetName(deviceID, req.Name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
