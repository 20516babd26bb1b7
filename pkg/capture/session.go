package capture

import (
	"time"

	"github.com/camwatch/go-camwatch/pkg/camera"
)

// State is the capture session lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Session describes one capture lifecycle. Exactly one session is
// live per Controller; it is reset on stop or fatal device error.
//
// Valid transitions:
//
//	stopped --Start--> starting --device opened--> running
//	running --Stop--> stopping --cleanup done--> stopped
//	running --retry budget exhausted--> failed --Stop/Start--> stopped/starting
//
// Starting and stopping are transient and observable only for the
// device open/close latency.
type Session struct {
	State     State         `json:"state"`
	Device    int           `json:"device"`
	Config    camera.Config `json:"config"`
	StartedAt time.Time     `json:"started_at,omitempty"`
}
