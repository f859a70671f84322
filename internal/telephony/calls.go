package telephony

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/smitshah084/TalkBot-AI/internal/middleware"
)

var errNoCredentials = errors.New("telephony: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required")

type callRequest struct {
	To string `json:"to" form:"to"`
}

type callResponse struct {
	Sid string `json:"sid"`
}

// placeCall dials a number and points the call at the voice webhook.
func (h *Handler) placeCall(c echo.Context) error {
	var req callRequest
	if err := c.Bind(&req); err != nil {
		return c.String(http.StatusBadRequest, "invalid request body")
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		return c.String(http.StatusBadRequest, "to is required")
	}
	if h.api == nil || h.cfg.FromNumber == "" {
		return c.String(http.StatusServiceUnavailable, "outbound calls are not configured")
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(h.cfg.FromNumber)
	params.SetUrl(h.buildURL(c, "/twilio/voice"))
	params.SetMethod("POST")

	call, err := h.api.CreateCall(params)
	if err != nil {
		c.Logger().Errorf("Failed to place call to %s: %v", req.To, err)
		return c.String(http.StatusBadGateway, "failed to place call")
	}
	var resp callResponse
	if call.Sid != nil {
		resp.Sid = *call.Sid
	}
	c.Logger().Infof("Placed outbound call %s to %s", resp.Sid, req.To)
	return c.JSON(http.StatusCreated, resp)
}

// startRecording creates a single continuous recording on an in-progress call.
func (h *Handler) startRecording(callSid, callbackURL string) error {
	if h.api == nil {
		return errNoCredentials
	}
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"in-progress", "completed", "absent"})
	params.SetTrim("do-not-trim")
	params.SetRecordingChannels("mono")
	params.SetRecordingTrack("both")
	if _, err := h.api.CreateCallRecording(callSid, params); err != nil {
		return fmt.Errorf("telephony: start recording: %w", err)
	}
	return nil
}

func (h *Handler) recordingStatus(c echo.Context) error {
	params, ok := middleware.TwilioParams(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	recordingSid := params["RecordingSid"]
	status := params["RecordingStatus"]
	c.Logger().Infof("Recording status update: SID=%s, Status=%s, Duration=%s", recordingSid, status, params["RecordingDuration"])

	switch status {
	case "completed":
		if h.recordings == nil {
			break
		}
		fileName := fmt.Sprintf("recordings/%s_%d.wav", recordingSid, time.Now().Unix())
		recordingURL := params["RecordingUrl"]
		go func() {
			if err := h.archiveRecording(recordingURL, fileName); err != nil {
				c.Logger().Errorf("Failed to archive recording %s: %v", recordingSid, err)
				return
			}
			c.Logger().Infof("Recording %s archived as %s", recordingSid, fileName)
		}()
	case "failed", "absent":
		c.Logger().Errorf("Recording failed or is absent: SID=%s, Status=%s", recordingSid, status)
	}
	return c.String(http.StatusOK, "OK")
}

// archiveRecording downloads a finished recording and stores it.
func (h *Handler) archiveRecording(recordingURL, fileName string) error {
	if h.cfg.AccountSID == "" || h.cfg.AuthToken == "" {
		return errNoCredentials
	}
	req, err := http.NewRequest(http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return fmt.Errorf("telephony: build recording request: %w", err)
	}
	req.SetBasicAuth(h.cfg.AccountSID, h.cfg.AuthToken)

	client := *h.httpClient
	client.Timeout = 30 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telephony: download recording: status %d: %s", resp.StatusCode, preview)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telephony: read recording: %w", err)
	}
	if err := h.recordings.Upload(fileName, "audio/wav", body); err != nil {
		return fmt.Errorf("telephony: upload recording: %w", err)
	}
	return nil
}
