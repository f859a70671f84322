package httpserver

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smitshah084/TalkBot-AI/internal/config"
	"github.com/smitshah084/TalkBot-AI/internal/conversation"
	"github.com/smitshah084/TalkBot-AI/internal/tts"
)

// Server bundles the HTTP router and the conversation template every
// connection is built from.
type Server struct {
	Router *echo.Echo

	password string
	template conversation.Options
	synth    tts.Synthesizer
	upgrader websocket.Upgrader
}

// New constructs the HTTP server with routes. synth may be nil, in which case
// spoken replies are unavailable.
func New(cfg config.Config, template conversation.Options, synth tts.Synthesizer) *Server {
	s := &Server{
		Router:   newRouter(),
		password: cfg.AuthPassword,
		template: template,
		synth:    synth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.Router.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	s.Router.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.Router.GET("/ws", s.socket, s.RequireAuth)
	s.Router.POST("/chat", s.chat, s.RequireAuth)
	return s
}

// RequireAuth rejects requests without the shared password.
func (s *Server) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !authOK(c.Request(), s.password) {
			return c.String(http.StatusUnauthorized, "unauthorized")
		}
		return next(c)
	}
}

// authOK accepts the shared password as ?password=, a bearer token or an
// X-Auth-Token header. An empty password disables the check.
func authOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if tok := strings.TrimSpace(ah[len("Bearer "):]); tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
