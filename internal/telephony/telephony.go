package telephony

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/smitshah084/TalkBot-AI/internal/archive"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
	"github.com/smitshah084/TalkBot-AI/internal/middleware"
)

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// Greeting is spoken by Twilio before the stream connects.
	Greeting string
	// BaseURL overrides the public URL derived from the request.
	BaseURL string
	// Record starts a call recording, uploaded to Recordings once complete.
	Record bool
}

// callAPI is the part of the Twilio REST client used here.
type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	CreateCallRecording(callSid string, params *twilioApi.CreateCallRecordingParams) (*twilioApi.ApiV2010CallRecording, error)
}

// Handler serves the Twilio voice webhooks and the media-stream bridge.
type Handler struct {
	cfg        Config
	template   conversation.Options
	api        callAPI
	recordings archive.Uploader
	httpClient *http.Client
	upgrader   websocket.Upgrader
}

// New builds the handler. template must be configured for 8 kHz μ-law audio
// in both directions. recordings may be nil.
func New(cfg Config, template conversation.Options, recordings archive.Uploader) *Handler {
	h := &Handler{
		cfg:        cfg,
		template:   template,
		recordings: recordings,
		httpClient: &http.Client{},
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		h.api = client.Api
	}
	return h
}

// Register mounts the routes. protect guards the outbound call endpoint.
func (h *Handler) Register(e *echo.Echo, protect ...echo.MiddlewareFunc) {
	signed := middleware.TwilioAuth(func() string { return h.cfg.AuthToken }, func(c echo.Context) string {
		return h.buildURL(c, c.Request().URL.RequestURI())
	})
	e.POST("/twilio/voice", h.voice, signed)
	e.POST("/twilio/recording-status", h.recordingStatus, signed)
	e.GET("/twilio/media-stream", h.mediaStream)
	e.POST("/calls", h.placeCall, protect...)
}

func (h *Handler) voice(c echo.Context) error {
	params, ok := middleware.TwilioParams(c)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	callSid := params["CallSid"]
	c.Logger().Infof("Call %s from %s to %s - connecting media stream", callSid, params["From"], params["To"])

	if h.cfg.Record && callSid != "" {
		callback := h.buildURL(c, "/twilio/recording-status")
		go func() {
			if err := h.startRecording(callSid, callback); err != nil {
				c.Logger().Errorf("Failed to start recording for CallSid=%s: %v", callSid, err)
			}
		}()
	}

	response, err := h.streamTwiML(h.streamURL(c))
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (h *Handler) streamTwiML(streamURL string) (string, error) {
	var verbs []twiml.Element
	if h.cfg.Greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: h.cfg.Greeting})
	}
	verbs = append(verbs, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{&twiml.VoiceStream{Url: streamURL}},
	})
	return twiml.Voice(verbs)
}

// buildURL builds a public absolute URL for callbacks.
// Priority: configured base URL > X-Forwarded-* headers > request Host heuristic.
func (h *Handler) buildURL(c echo.Context, path string) string {
	baseURL := strings.TrimRight(h.cfg.BaseURL, "/")
	if baseURL == "" {
		proto := c.Request().Header.Get("X-Forwarded-Proto")
		host := c.Request().Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := c.Request().Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

func (h *Handler) streamURL(c echo.Context) string {
	u := h.buildURL(c, "/twilio/media-stream")
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}
