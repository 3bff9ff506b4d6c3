package handlers

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/FaceFrame-Labs/faceframe-server/models"
)

// FaceDetector is the fixed contract of the pre-trained face model:
// given a frame and a monotonically increasing timestamp, return zero
// or more detections in the unmirrored frame's coordinate space.
type FaceDetector interface {
	Load() error
	Detect(frame *gocv.Mat, timestampMs int64) []models.Detection
	Close() error
}

// FrameSource is a live camera stream owned by the capture handler for
// the duration of one activation.
type FrameSource interface {
	Read(dst *gocv.Mat) bool
	Close() error
}

// CaptureHandler bridges the camera and the face detector into a
// per-cycle presence signal, an overlay on the mirrored preview, and
// on-demand mirrored stills. Detection cycles are strictly sequential:
// the next frame is read only after the previous cycle finished.
type CaptureHandler struct {
	logger     *zap.Logger
	detector   FaceDetector
	openSource func() (FrameSource, error)

	// notify hands events to the workflow; publish pushes preview
	// frames to the websocket client. Both are set before Start.
	notify  func(workflowEvent)
	publish func(msgType string, data interface{})

	mu     sync.Mutex
	source FrameSource
	active bool
	loaded bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	frameMu   sync.Mutex
	frame     gocv.Mat
	haveFrame bool

	previewMu       sync.Mutex
	previewInterval time.Duration
	lastPreview     time.Time

	startTime time.Time
	// lastTimestamp is touched only by the detection loop goroutine.
	lastTimestamp int64
}

func NewCaptureHandler(logger *zap.Logger, detector FaceDetector, openSource func() (FrameSource, error)) *CaptureHandler {
	return &CaptureHandler{
		logger:          logger,
		detector:        detector,
		openSource:      openSource,
		notify:          func(workflowEvent) {},
		publish:         func(string, interface{}) {},
		frame:           gocv.NewMat(),
		previewInterval: 200 * time.Millisecond,
		startTime:       time.Now(),
	}
}

func (h *CaptureHandler) bindSession(session *CameraSession) {
	h.publish = session.sendWebSocketMessage
}

// Start asynchronously loads the detection model and activates the
// camera, reporting the outcome to the workflow exactly once per
// attempt. Both failure classes surface as explicit events instead of
// leaving the session silently stuck.
func (h *CaptureHandler) Start() {
	go func() {
		if err := h.ensureModel(); err != nil {
			h.logger.Error("Failed to load face model", zap.Error(err))
			h.notify(workflowEvent{kind: eventSurfaceFailed, err: err})
			return
		}
		if err := h.Activate(true); err != nil {
			h.logger.Error("Failed to activate camera", zap.Error(err))
			h.notify(workflowEvent{kind: eventSurfaceFailed, err: err})
			return
		}
		h.notify(workflowEvent{kind: eventSurfaceReady})
	}()
}

func (h *CaptureHandler) ensureModel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("capture handler closed")
	}
	if h.loaded {
		return nil
	}
	if err := h.detector.Load(); err != nil {
		return err
	}
	h.loaded = true
	return nil
}

// Activate acquires the camera and starts the detection loop, or stops
// the loop and releases the device. Activation cycles are strictly
// nested: deactivation waits for the loop to finish before the device
// is closed, so no cycle can read a released stream.
func (h *CaptureHandler) Activate(isActive bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if isActive == h.active {
		return nil
	}

	if isActive {
		// Startup runs asynchronously; a session torn down mid-startup
		// must not end up holding the device.
		if h.closed {
			return errors.New("capture handler closed")
		}
		source, err := h.openSource()
		if err != nil {
			return fmt.Errorf("acquire camera: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		h.source = source
		h.cancel = cancel
		h.done = make(chan struct{})
		h.active = true
		go h.run(ctx, source, h.done)
		return nil
	}

	h.cancel()
	<-h.done
	err := h.source.Close()
	h.source = nil
	h.cancel = nil
	h.active = false

	h.frameMu.Lock()
	h.haveFrame = false
	h.frameMu.Unlock()

	return err
}

func (h *CaptureHandler) run(ctx context.Context, source FrameSource, done chan struct{}) {
	defer close(done)
	h.logger.Info("Detection loop started")

	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Detection loop stopped")
			return
		default:
		}

		if ok := source.Read(&frame); !ok || frame.Empty() {
			// Frame not decodable yet; reschedule without invoking the
			// detector.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		h.step(&frame)
	}
}

// step is one detection cycle: detect, snapshot the frame for capture,
// report presence, redraw the overlay. Presence is emitted every cycle
// whether or not it changed.
func (h *CaptureHandler) step(frame *gocv.Mat) {
	// Frame-level detectors require strictly increasing timestamps;
	// consecutive cycles can finish within the same millisecond.
	timestampMs := time.Since(h.startTime).Milliseconds()
	if timestampMs <= h.lastTimestamp {
		timestampMs = h.lastTimestamp + 1
	}
	h.lastTimestamp = timestampMs
	detections := h.detector.Detect(frame, timestampMs)
	presence := models.PresenceFromDetections(detections)

	h.frameMu.Lock()
	frame.CopyTo(&h.frame)
	h.haveFrame = true
	h.frameMu.Unlock()

	h.notify(workflowEvent{kind: eventPresence, presence: presence})
	h.publishPreview(frame, presence)
}

// Capture renders the most recent frame into a fresh buffer, mirrors
// it horizontally so the still matches the mirrored preview the user
// saw, and encodes it as JPEG.
func (h *CaptureHandler) Capture() (models.CapturedImage, error) {
	h.frameMu.Lock()
	defer h.frameMu.Unlock()

	if !h.haveFrame || h.frame.Empty() {
		return models.CapturedImage{}, errors.New("no frame available")
	}

	mirrored := gocv.NewMat()
	defer mirrored.Close()
	gocv.Flip(h.frame, &mirrored, 1)

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mirrored)
	if err != nil {
		return models.CapturedImage{}, fmt.Errorf("encode still frame: %w", err)
	}
	defer buf.Close()

	return models.CapturedImage{
		JPEG:      append([]byte(nil), buf.GetBytes()...),
		Timestamp: time.Now(),
	}, nil
}

// SetPreviewInterval adjusts how often preview frames are pushed to
// the client. Presence keeps full per-cycle rate regardless.
func (h *CaptureHandler) SetPreviewInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	h.previewMu.Lock()
	h.previewInterval = interval
	h.previewMu.Unlock()
	h.logger.Info("Updated preview interval", zap.Duration("interval", interval))
}

func (h *CaptureHandler) publishPreview(frame *gocv.Mat, presence models.PresenceStatus) {
	h.previewMu.Lock()
	due := time.Since(h.lastPreview) >= h.previewInterval
	if due {
		h.lastPreview = time.Now()
	}
	h.previewMu.Unlock()
	if !due {
		return
	}

	preview := gocv.NewMat()
	defer preview.Close()
	gocv.Flip(*frame, &preview, 1)
	drawOverlay(&preview, presence)

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, preview)
	if err != nil {
		h.logger.Warn("Failed to encode preview frame", zap.Error(err))
		return
	}
	defer buf.Close()

	img := models.CapturedImage{JPEG: append([]byte(nil), buf.GetBytes()...), Timestamp: time.Now()}
	h.publish("preview", map[string]interface{}{
		"image":    img.DataURI(),
		"detected": presence.Detected,
	})
}

// drawOverlay marks the detected face on the mirrored preview, or dims
// the whole frame under a searching caption when nothing is detected.
// Detection coordinates are in the unmirrored frame, so the box is
// flipped before drawing.
func drawOverlay(preview *gocv.Mat, presence models.PresenceStatus) {
	if !presence.Detected {
		scrim := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), preview.Rows(), preview.Cols(), preview.Type())
		defer scrim.Close()
		gocv.AddWeighted(*preview, 0.55, scrim, 0.45, 0, preview)
		gocv.PutText(preview, "Searching for a face...", image.Pt(24, 48),
			gocv.FontHersheySimplex, 1.0, color.RGBA{R: 255, G: 255, B: 255}, 2)
		return
	}

	box := *presence.Box
	x := preview.Cols() - box.X - box.Width
	rect := image.Rect(x, box.Y, x+box.Width, box.Y+box.Height)
	line := color.RGBA{R: 64, G: 220, B: 120}
	gocv.Rectangle(preview, rect, line, 2)

	accent := box.Width / 5
	if l := box.Height / 5; l < accent {
		accent = l
	}
	const thickness = 4
	gocv.Line(preview, rect.Min, image.Pt(rect.Min.X+accent, rect.Min.Y), line, thickness)
	gocv.Line(preview, rect.Min, image.Pt(rect.Min.X, rect.Min.Y+accent), line, thickness)
	gocv.Line(preview, image.Pt(rect.Max.X, rect.Min.Y), image.Pt(rect.Max.X-accent, rect.Min.Y), line, thickness)
	gocv.Line(preview, image.Pt(rect.Max.X, rect.Min.Y), image.Pt(rect.Max.X, rect.Min.Y+accent), line, thickness)
	gocv.Line(preview, image.Pt(rect.Min.X, rect.Max.Y), image.Pt(rect.Min.X+accent, rect.Max.Y), line, thickness)
	gocv.Line(preview, image.Pt(rect.Min.X, rect.Max.Y), image.Pt(rect.Min.X, rect.Max.Y-accent), line, thickness)
	gocv.Line(preview, rect.Max, image.Pt(rect.Max.X-accent, rect.Max.Y), line, thickness)
	gocv.Line(preview, rect.Max, image.Pt(rect.Max.X, rect.Max.Y-accent), line, thickness)
}

func (h *CaptureHandler) Close() {
	// Mark the handler closed before tearing down. Acquiring the mutex
	// serializes against an in-flight Activate(true): either that
	// activation finishes first and is torn down below, or it observes
	// the flag and refuses to acquire the device.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.logger.Info("Closing Capture Handler")
	if err := h.Activate(false); err != nil {
		h.logger.Warn("Failed to release camera", zap.Error(err))
	}

	h.mu.Lock()
	loaded := h.loaded
	h.loaded = false
	h.mu.Unlock()
	if loaded {
		if err := h.detector.Close(); err != nil {
			h.logger.Warn("Failed to close face detector", zap.Error(err))
		}
	}

	h.frameMu.Lock()
	h.frame.Close()
	h.frameMu.Unlock()
}
