// camwatch - live camera capture with optional object detection
//
// Captures frames from a local video device, optionally annotates
// them with YOLOv8 detections, and serves the live feed plus
// start/stop/capture control over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/camwatch/go-camwatch/internal/config"
	"github.com/camwatch/go-camwatch/internal/log"
	"github.com/camwatch/go-camwatch/pkg/camera"
	"github.com/camwatch/go-camwatch/pkg/capture"
	"github.com/camwatch/go-camwatch/pkg/detect"
	"github.com/camwatch/go-camwatch/pkg/web"
)

type options struct {
	device    int
	width     int
	height    int
	framerate int
	quality   int
	port      string
	outputDir string
	modelPath string
	logLevel  string
	autostart bool
}

func main() {
	opts := parseFlags()
	log.Init(opts.logLevel)

	camCfg := camera.DefaultConfig()
	camCfg.Device = opts.device
	camCfg.Width = opts.width
	camCfg.Height = opts.height
	camCfg.Framerate = opts.framerate
	camCfg.Quality = opts.quality

	if errs := camCfg.Validate(); len(errs) > 0 {
		log.Error("invalid camera configuration", "errors", errs)
		os.Exit(1)
	}

	var annotator detect.Annotator
	if opts.modelPath != "" {
		yolo, err := detect.NewYOLO(detect.DefaultYOLOConfig(opts.modelPath), log.L())
		if err != nil {
			log.Error("failed to load detection model", "error", err)
			os.Exit(1)
		}
		defer yolo.Close()
		annotator = yolo
	}

	ctrl := capture.New(capture.Config{
		Camera:    camCfg,
		OutputDir: opts.outputDir,
	}, camera.NewWebcam(log.L()), annotator, log.L())

	manager := camera.NewManager(camCfg)
	server := web.NewServer(opts.port, ctrl, manager, log.L())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.autostart {
		if _, err := ctrl.Start(ctx); err != nil {
			log.Error("autostart failed", "error", err)
			os.Exit(1)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server error", "error", err)
	}

	server.Shutdown()
	ctrl.Stop()
}

// parseFlags parses command line flags with env-var fallbacks.
func parseFlags() options {
	var opts options

	cfg := camera.DefaultConfig()

	flag.IntVar(&opts.device, "device", config.Int(config.EnvDevice, cfg.Device), "video device index")
	flag.IntVar(&opts.width, "width", cfg.Width, "frame width")
	flag.IntVar(&opts.height, "height", cfg.Height, "frame height")
	flag.IntVar(&opts.framerate, "fps", cfg.Framerate, "target frames per second")
	flag.IntVar(&opts.quality, "quality", cfg.Quality, "JPEG quality (1-100)")
	flag.StringVar(&opts.port, "port", config.String(config.EnvPort, "8080"), "HTTP listen port")
	flag.StringVar(&opts.outputDir, "output", config.String(config.EnvOutputDir, "captures"), "directory for captured stills")
	flag.StringVar(&opts.modelPath, "model", config.String(config.EnvModel, ""), "YOLOv8 ONNX model path (empty disables detection)")
	flag.StringVar(&opts.logLevel, "log-level", config.String(config.EnvLogLevel, "info"), "log level: debug, info, warn, error")
	flag.BoolVar(&opts.autostart, "start", false, "start capturing immediately")
	flag.Parse()

	return opts
}
