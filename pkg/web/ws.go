package web

import (
	"github.com/gofiber/websocket/v2"

	"github.com/camwatch/go-camwatch/pkg/hub"
)

// handleCameraWS streams binary JPEG frames to a dashboard client.
func (s *Server) handleCameraWS(c *websocket.Conn) {
	client := hub.NewClient(s.cameraHub, c)
	client.Run() // Blocks until the connection closes
}

// handleStatusWS pushes status JSON on every session transition.
// The current status is sent immediately on connect.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	c.WriteJSON(s.status(s.ctrl.Status()))

	client := hub.NewClient(s.statusHub, c)
	client.Run()
}
