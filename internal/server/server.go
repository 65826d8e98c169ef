// Package server implements the HTTP and WebSocket transport adapters of
// spec.md §4.8/§6 (C11): a static route table translating requests into
// dispatch.Registry.Call invocations, adapted from the teacher's
// internal/server package and its ada wiring.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/attachment"
	"github.com/pryvgo/core/internal/config"
	"github.com/pryvgo/core/internal/dispatch"
	"github.com/pryvgo/core/internal/pubsub"
)

// Server is the HTTP+WebSocket front door onto one dispatch.Registry.
type Server struct {
	cfg   config.Server
	reg   *dispatch.Registry
	blobs attachment.Store
	bus   pubsub.Bus

	server *ada.Server
	hub    *wsHub
}

// New wires the full route table of spec.md §6 against reg, serving blob
// content for attachments from blobs and bridging the five -changed topics
// from bus to every WebSocket connection in a user's namespace.
func New(cfg config.Server, reg *dispatch.Registry, blobs attachment.Store, bus pubsub.Bus) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:    cfg,
		reg:    reg,
		blobs:  blobs,
		bus:    bus,
		server: mux,
		hub:    newWSHub(),
	}

	base := mux.Group(cfg.BasePath)

	base.GET("/", s.serverInfo)

	userGroup := base.Group("/{username}")
	userGroup.GET("/access-info", s.method("getAccessInfo"))
	userGroup.GET("/service/info", s.serviceInfo)
	userGroup.POST("/auth/login", s.method("auth.login"))
	userGroup.POST("/auth/logout", s.method("auth.logout"))
	userGroup.POST("", s.batch)
	userGroup.GET("", s.hub.handleWS(s))

	userGroup.GET("/events", s.eventsGet)
	userGroup.POST("/events", s.eventsCreate)
	userGroup.GET("/events/{id}", s.method("events.getOne"))
	userGroup.PUT("/events/{id}", s.method("events.update"))
	userGroup.DELETE("/events/{id}", s.method("events.delete"))
	userGroup.POST("/events/{id}", s.eventsAddAttachment)
	userGroup.GET("/events/{id}/{fileId}", s.attachmentGet)
	userGroup.GET("/events/{id}/{fileId}/{name}", s.attachmentGet)
	userGroup.DELETE("/events/{id}/{fileId}", s.eventsDeleteAttachment)

	userGroup.GET("/streams", s.method("streams.get"))
	userGroup.POST("/streams", s.method("streams.create"))
	userGroup.PUT("/streams/{id}", s.method("streams.update"))
	userGroup.DELETE("/streams/{id}", s.method("streams.delete"))

	userGroup.GET("/accesses", s.method("accesses.get"))
	userGroup.POST("/accesses", s.method("accesses.create"))
	userGroup.PUT("/accesses/{id}", s.method("accesses.update"))
	userGroup.DELETE("/accesses/{id}", s.method("accesses.delete"))

	userGroup.GET("/account", s.method("account.get"))
	userGroup.PUT("/account", s.method("account.update"))
	userGroup.PUT("/account/change-password", s.method("account.changePassword"))
	userGroup.PUT("/account/request-password-reset", s.method("account.requestPasswordReset"))
	userGroup.PUT("/account/reset-password", s.method("account.resetPassword"))

	userGroup.GET("/profile/public", s.method("profile.getPublic"))
	userGroup.PUT("/profile/public", s.method("profile.updatePublic"))
	userGroup.GET("/profile/app", s.method("profile.getApp"))
	userGroup.PUT("/profile/app", s.method("profile.updateApp"))
	userGroup.GET("/profile/private", s.method("profile.getPrivate"))
	userGroup.PUT("/profile/private", s.method("profile.updatePrivate"))

	userGroup.GET("/followed-slices", s.method("followedSlices.get"))
	userGroup.POST("/followed-slices", s.method("followedSlices.create"))
	userGroup.PUT("/followed-slices/{id}", s.method("followedSlices.update"))
	userGroup.DELETE("/followed-slices/{id}", s.method("followedSlices.delete"))

	base.POST("/event/start", s.gone)
	base.POST("/event/stop", s.gone)

	systemGroup := base.Group("/system")
	systemGroup.Use(s.adminAuthMiddleware())
	systemGroup.POST("/create-user", s.method("system.createUser"))
	systemGroup.DELETE("/users/{username}/mfa", s.method("system.clearMFA"))
	systemGroup.GET("/user-info/{username}", s.method("system.getUserInfo"))

	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

func (s *Server) gone(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindGone, "this endpoint has been removed")})
}

func (s *Server) serverInfo(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{
		"name":    "pryvgo-core",
		"version": dispatch.APIVersion,
		"time":    float64(time.Now().UnixNano()) / 1e9,
	}, http.StatusOK)
}

func (s *Server) serviceInfo(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	httpResponseJSON(w, map[string]any{
		"register": "https://" + username + ".pryv.local/reg",
		"access":   "https://" + username + ".pryv.local/access",
		"api":      "https://" + username + ".pryv.local/",
	}, http.StatusOK)
}

// adminAuthMiddleware protects /system/* with cfg.AdminToken, matching the
// teacher's bearer-token admin guard (internal/server/server.go).
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AdminToken == "" {
				httpResponse(w, "admin endpoints disabled", http.StatusForbidden)
				return
			}
			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if auth == "" || token == auth || token != s.cfg.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
