package detect

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/camwatch/go-camwatch/pkg/camera"
)

// YOLOConfig holds YOLO detector configuration.
type YOLOConfig struct {
	ModelPath        string
	ConfidenceThresh float32
	NMSThresh        float32
	InputWidth       int
	InputHeight      int
	JPEGQuality      int
}

// DefaultYOLOConfig returns production defaults for YOLOv8n.
func DefaultYOLOConfig(modelPath string) YOLOConfig {
	return YOLOConfig{
		ModelPath:        modelPath,
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
		JPEGQuality:      85,
	}
}

// YOLO is an Annotator backed by a YOLOv8 ONNX model.
// The loaded network is treated as read-only after construction; the
// mutex serializes forward passes since gocv.Net is not concurrent.
type YOLO struct {
	net       gocv.Net
	config    YOLOConfig
	logger    *slog.Logger
	mu        sync.Mutex
	inputSize image.Point
}

// NewYOLO loads the ONNX model and prepares the detector.
func NewYOLO(cfg YOLOConfig, logger *slog.Logger) (*YOLO, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Info("YOLO model loaded",
		"model", cfg.ModelPath,
		"input", fmt.Sprintf("%dx%d", cfg.InputWidth, cfg.InputHeight),
	)

	return &YOLO{
		net:       net,
		config:    cfg,
		logger:    logger,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Detect finds objects in the JPEG image. Boxes are returned in
// pixel coordinates of the input image.
func (d *YOLO) Detect(jpeg []byte) ([]camera.Detection, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	return d.detectMat(img)
}

// Annotate runs detection on the frame and returns a new frame with
// labeled boxes drawn in. The input frame is not modified.
func (d *YOLO) Annotate(f camera.Frame) (camera.Frame, error) {
	img, err := gocv.IMDecode(f.JPEG, gocv.IMReadColor)
	if err != nil {
		return camera.Frame{}, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	defer img.Close()

	if img.Empty() {
		return camera.Frame{}, fmt.Errorf("frame %d: empty image", f.Seq)
	}

	detections, err := d.detectMat(img)
	if err != nil {
		return camera.Frame{}, err
	}

	drawDetections(&img, detections)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img,
		[]int{gocv.IMWriteJpegQuality, d.config.JPEGQuality})
	if err != nil {
		return camera.Frame{}, fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	defer buf.Close()

	annotated := make([]byte, len(buf.GetBytes()))
	copy(annotated, buf.GetBytes())

	return camera.Frame{
		Seq:        f.Seq,
		Width:      f.Width,
		Height:     f.Height,
		JPEG:       annotated,
		Timestamp:  f.Timestamp,
		Detections: detections,
	}, nil
}

// detectMat runs the forward pass over a decoded image.
func (d *YOLO) detectMat(img gocv.Mat) ([]camera.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	imgW := img.Cols()
	imgH := img.Rows()

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")

	output := d.net.Forward("")
	defer output.Close()

	detections := d.parseOutput(output, imgW, imgH)

	if len(detections) > 0 {
		d.logger.Debug("objects detected", "count", len(detections))
	}

	return detections, nil
}

// parseOutput parses the YOLOv8 output tensor.
// Output shape: [1, 84, 8400] - 84 = 4 bbox + 80 classes, 8400 candidates.
func (d *YOLO) parseOutput(output gocv.Mat, imgW, imgH int) []camera.Detection {
	var boxes []image.Rectangle
	var confidences []float32
	var classIDs []int

	rows := output.Cols() // 8400 candidates
	cols := output.Rows() // 84 (4 bbox + 80 classes)

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil
	}

	for i := 0; i < rows; i++ {
		// Class scores start at index 4.
		maxScore := float32(0)
		maxClassID := 0

		for c := 4; c < cols; c++ {
			score := data[c*rows+i]
			if score > maxScore {
				maxScore = score
				maxClassID = c - 4
			}
		}

		if maxScore < d.config.ConfidenceThresh {
			continue
		}

		// Bounding box is center x, center y, width, height in
		// model input space.
		cx := data[0*rows+i]
		cy := data[1*rows+i]
		w := data[2*rows+i]
		h := data[3*rows+i]

		boxes = append(boxes, scaleBox(cx, cy, w, h,
			imgW, imgH, d.config.InputWidth, d.config.InputHeight))
		confidences = append(confidences, maxScore)
		classIDs = append(classIDs, maxClassID)
	}

	if len(boxes) == 0 {
		return nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, d.config.ConfidenceThresh, d.config.NMSThresh)

	detections := make([]camera.Detection, 0, len(indices))
	for _, idx := range indices {
		detections = append(detections, camera.Detection{
			Label:      COCOClasses[classIDs[idx]],
			Confidence: float64(confidences[idx]),
			Box:        boxes[idx],
		})
	}

	return detections
}

// Close releases the detector resources.
func (d *YOLO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.net.Close()
	return nil
}

// scaleBox converts a center-format box in model input space to a
// corner-format rectangle in image pixel space.
func scaleBox(cx, cy, w, h float32, imgW, imgH, inW, inH int) image.Rectangle {
	sx := float32(imgW) / float32(inW)
	sy := float32(imgH) / float32(inH)

	x1 := int((cx - w/2) * sx)
	y1 := int((cy - h/2) * sy)
	x2 := int((cx + w/2) * sx)
	y2 := int((cy + h/2) * sy)

	return image.Rect(x1, y1, x2, y2)
}

// drawDetections draws labeled boxes into the image.
func drawDetections(img *gocv.Mat, detections []camera.Detection) {
	boxColor := color.RGBA{G: 255, A: 255}

	for _, det := range detections {
		gocv.Rectangle(img, det.Box, boxColor, 2)

		label := fmt.Sprintf("%s %.0f%%", det.Label, det.Confidence*100)
		origin := image.Pt(det.Box.Min.X, det.Box.Min.Y-6)
		if origin.Y < 12 {
			origin.Y = det.Box.Min.Y + 14
		}
		gocv.PutText(img, label, origin, gocv.FontHersheySimplex, 0.5, boxColor, 1)
	}
}
