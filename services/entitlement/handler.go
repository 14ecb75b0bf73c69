package entitlement

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// licenseRequest is the wire shape shared by all three license endpoints.
// license_id carries the license key, matching the established client
// protocol.
type licenseRequest struct {
	LicenseID  string `json:"license_id"`
	OrgID      string `json:"org_id"`
	DeviceID   string `json:"device_id"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	AppVersion string `json:"app_version"`
}

func (r *licenseRequest) missingFields() []string {
	var missing []string
	if r.LicenseID == "" {
		missing = append(missing, "license_id")
	}
	if r.OrgID == "" {
		missing = append(missing, "org_id")
	}
	if r.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	return missing
}

func bindLicenseRequest(c *gin.Context) (Request, bool) {
	var body licenseRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid or missing JSON body"})
		return Request{}, false
	}
	if missing := body.missingFields(); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields: " + strings.Join(missing, ", ")})
		return Request{}, false
	}

	return Request{
		LicenseKey: body.LicenseID,
		OrgID:      body.OrgID,
		DeviceID:   body.DeviceID,
		Hostname:   body.Hostname,
		OS:         body.OS,
		AppVersion: body.AppVersion,
		ClientIP:   c.ClientIP(),
	}, true
}

func (s *Service) HandleValidate(c *gin.Context) {
	req, ok := bindLicenseRequest(c)
	if !ok {
		return
	}

	out, err := s.Validate(c.Request.Context(), req)
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

func (s *Service) HandleHeartbeat(c *gin.Context) {
	req, ok := bindLicenseRequest(c)
	if !ok {
		return
	}

	out, err := s.Heartbeat(c.Request.Context(), req)
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

func (s *Service) HandleRelease(c *gin.Context) {
	req, ok := bindLicenseRequest(c)
	if !ok {
		return
	}

	out, err := s.Release(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusOK
	if !out.Success {
		status = http.StatusNotFound
	}
	c.JSON(status, out)
}
