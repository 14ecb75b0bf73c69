package trial

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type trialRequest struct {
	DeviceID   string `json:"device_id"`
	OrgID      string `json:"org_id"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	AppVersion string `json:"app_version"`
}

func (s *Service) HandleValidate(c *gin.Context) {
	var body trialRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid or missing JSON body"})
		return
	}
	if body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields: device_id"})
		return
	}

	out, err := s.ValidateTrial(c.Request.Context(), Request{
		DeviceID:   body.DeviceID,
		OrgID:      body.OrgID,
		Hostname:   body.Hostname,
		OS:         body.OS,
		AppVersion: body.AppVersion,
		ClientIP:   c.ClientIP(),
	})
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if !out.Success {
		status = http.StatusForbidden
	}
	c.JSON(status, out)
}
