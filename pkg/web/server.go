// Package web exposes the capture pipeline over HTTP: the MJPEG live
// feed, start/stop/capture control, statistics, and websocket push
// for dashboard clients.
package web

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/camwatch/go-camwatch/pkg/camera"
	"github.com/camwatch/go-camwatch/pkg/capture"
	"github.com/camwatch/go-camwatch/pkg/hub"
)

// Server is the camwatch HTTP server.
type Server struct {
	app    *fiber.App
	port   string
	logger *slog.Logger

	ctrl    *capture.Controller
	manager *camera.Manager

	// Hubs for websocket broadcast
	statusHub *hub.Hub
	cameraHub *hub.Hub
}

// NewServer wires the controller and camera manager into a fiber app.
// It installs itself as the controller's state-change listener to
// push status transitions and pump frames to websocket clients.
func NewServer(port string, ctrl *capture.Controller, manager *camera.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		port:      port,
		logger:    logger,
		ctrl:      ctrl,
		manager:   manager,
		statusHub: hub.New("status", logger),
		cameraHub: hub.New("camera", logger),
	}

	ctrl.OnStateChange = s.onStateChange

	// Config updates flow through to the controller so the next
	// session start opens the device with them.
	manager.OnConfigChange = func(cfg camera.Config) error {
		ctrl.SetCameraConfig(cfg)
		return nil
	}

	app := fiber.New(fiber.Config{
		AppName:               "camwatch",
		DisableStartupMessage: true,
	})

	// CORS for local dashboard development
	app.Use(cors.New())

	app.Get("/", s.handleIndex)
	app.Get("/video_feed", s.handleVideoFeed)
	app.Post("/start", s.handleStart)
	app.Post("/stop", s.handleStop)
	app.Post("/capture", s.handleCapture)
	app.Get("/stats", s.handleStats)
	app.Get("/captures", s.handleListCaptures)

	api := app.Group("/api")
	api.Get("/config", s.handleGetConfig)
	api.Post("/config", s.handleUpdateConfig)
	api.Get("/presets", s.handleListPresets)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// Start runs the hubs and listens on the configured port. Blocks.
func (s *Server) Start() error {
	go s.statusHub.Run()
	go s.cameraHub.Run()

	s.logger.Info("http server listening", "addr", ":"+s.port)
	return s.app.Listen(":" + s.port)
}

// Shutdown gracefully stops the web server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// onStateChange pushes the transition to status clients and, when a
// session enters Running, starts the websocket frame pump for it.
func (s *Server) onStateChange(sess capture.Session) {
	s.statusHub.BroadcastJSON(s.status(sess))

	if sess.State == capture.StateRunning {
		go s.pumpFrames()
	}
}
