package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FaceFrame-Labs/faceframe-server/models"
	"github.com/FaceFrame-Labs/faceframe-server/utils"
)

// CaptureSurface is the part of the capture pipeline the workflow
// drives: asynchronous initialization and on-demand stills.
type CaptureSurface interface {
	// Start loads the detection model and acquires the camera,
	// reporting the outcome back as a workflow event.
	Start()
	// Capture freezes the current frame into an encoded still. It must
	// only be called while a frame is available.
	Capture() (models.CapturedImage, error)
}

// FaceAnalyzer sends one captured still to the remote vision model.
type FaceAnalyzer interface {
	AnalyzeFace(ctx context.Context, img models.CapturedImage) (*models.AnalysisResult, error)
}

type workflowEventKind int

const (
	eventSurfaceReady workflowEventKind = iota
	eventSurfaceFailed
	eventPresence
	eventCaptureRequested
	eventResetRequested
	eventAnalysisSucceeded
	eventAnalysisFailed
)

// workflowEvent is the only way state reaches the workflow. Analysis
// completions carry the generation of the attempt they belong to so
// results from abandoned attempts can be discarded.
type workflowEvent struct {
	kind       workflowEventKind
	presence   models.PresenceStatus
	result     *models.AnalysisResult
	err        error
	generation uint64
}

// WorkflowHandler runs the capture-and-analysis state machine. All
// state lives on this struct and is touched only by the single run
// goroutine, so event processing is strictly sequential.
type WorkflowHandler struct {
	session  *CameraSession
	surface  CaptureSurface
	analyzer FaceAnalyzer
	memory   *utils.AnalysisMemory

	logger  *zap.Logger
	publish func(msgType string, data interface{})

	events    chan workflowEvent
	quit      chan struct{}
	closeOnce sync.Once

	state        models.WorkflowState
	presence     models.PresenceStatus
	surfaceReady bool
	image        *models.CapturedImage
	result       *models.AnalysisResult
	generation   uint64

	cancelAnalysis  context.CancelFunc
	analysisTimeout time.Duration
}

func InitWorkflowHandler(session *CameraSession, surface CaptureSurface, analyzer FaceAnalyzer, memory *utils.AnalysisMemory) *WorkflowHandler {
	session.Logger.Info("Initializing Workflow Handler...")

	h := newWorkflowHandler(session.Logger, surface, analyzer)
	h.session = session
	h.memory = memory
	h.publish = session.sendWebSocketMessage

	go h.run()

	session.Logger.Info("Workflow Handler initialized")
	return h
}

func newWorkflowHandler(logger *zap.Logger, surface CaptureSurface, analyzer FaceAnalyzer) *WorkflowHandler {
	return &WorkflowHandler{
		surface:         surface,
		analyzer:        analyzer,
		logger:          logger,
		publish:         func(string, interface{}) {},
		events:          make(chan workflowEvent, 100),
		quit:            make(chan struct{}),
		state:           models.StateLoadingModel,
		analysisTimeout: 30 * time.Second,
	}
}

func (h *WorkflowHandler) run() {
	h.logger.Info("Workflow handler goroutine started")
	for {
		select {
		case ev := <-h.events:
			h.handleEvent(ev)
		case <-h.quit:
			h.logger.Info("Workflow handler goroutine stopped")
			return
		}
	}
}

// Dispatch hands an event to the workflow. Presence events are emitted
// every detection cycle, so one dropped under pressure is replaced by
// the next cycle; everything else (user commands, surface lifecycle,
// analysis completions) must not be lost and waits for room instead.
func (h *WorkflowHandler) Dispatch(ev workflowEvent) {
	if ev.kind == eventPresence {
		select {
		case h.events <- ev:
		default:
			h.logger.Warn("Workflow event channel full, dropping presence update")
		}
		return
	}

	select {
	case h.events <- ev:
	case <-h.quit:
	}
}

// RequestCapture asks for a still to be taken. A no-op unless the
// camera is active and a face is currently present.
func (h *WorkflowHandler) RequestCapture() {
	h.Dispatch(workflowEvent{kind: eventCaptureRequested})
}

// RequestReset discards the current capture/result pair and returns to
// the live camera.
func (h *WorkflowHandler) RequestReset() {
	h.Dispatch(workflowEvent{kind: eventResetRequested})
}

func (h *WorkflowHandler) Close() {
	h.closeOnce.Do(func() {
		h.logger.Info("Closing Workflow Handler")
		close(h.quit)
	})
}

func (h *WorkflowHandler) handleEvent(ev workflowEvent) {
	switch ev.kind {
	case eventSurfaceReady:
		h.surfaceReady = true
		if h.state == models.StateLoadingModel {
			h.setState(models.StateCameraActive)
		}

	case eventSurfaceFailed:
		h.surfaceReady = false
		h.logger.Error("Capture surface failed", zap.Error(ev.err))
		h.publish("error", map[string]interface{}{"message": ev.err.Error()})
		h.setState(models.StateError)

	case eventPresence:
		h.presence = ev.presence
		h.publish("presence", map[string]interface{}{
			"detected":    ev.presence.Detected,
			"box":         ev.presence.Box,
			"can_capture": ev.presence.Detected && h.state == models.StateCameraActive,
		})

	case eventCaptureRequested:
		h.handleCaptureRequest()

	case eventResetRequested:
		h.handleReset()

	case eventAnalysisSucceeded:
		if ev.generation != h.generation || h.state != models.StateAnalyzing {
			h.logger.Debug("Dropping stale analysis result", zap.Uint64("generation", ev.generation))
			return
		}
		h.result = ev.result
		h.cancelAnalysis = nil
		h.setState(models.StatePhotoTaken)
		h.publishResult(ev.result)
		go h.cacheResult(*ev.result)
		if h.memory != nil {
			capturedAt := time.Now()
			if h.image != nil {
				capturedAt = h.image.Timestamp
			}
			go h.memory.StoreResult(*ev.result, capturedAt)
		}

	case eventAnalysisFailed:
		if ev.generation != h.generation || h.state != models.StateAnalyzing {
			h.logger.Debug("Dropping stale analysis failure", zap.Uint64("generation", ev.generation))
			return
		}
		h.cancelAnalysis = nil
		h.logger.Error("Analysis failed", zap.Error(ev.err))
		h.publish("error", map[string]interface{}{"message": "analysis failed"})
		h.setState(models.StateError)
	}
}

// handleCaptureRequest enforces the presence guard independently of
// the UI: an ungated request is a no-op, never an error. A request
// while an analysis is outstanding is rejected by the state check.
func (h *WorkflowHandler) handleCaptureRequest() {
	if h.state != models.StateCameraActive {
		h.logger.Debug("Capture request ignored", zap.String("state", h.state.String()))
		return
	}
	if !h.presence.Detected {
		h.logger.Debug("Capture request ignored, no face present")
		return
	}

	img, err := h.surface.Capture()
	if err != nil {
		h.logger.Error("Failed to capture still frame", zap.Error(err))
		h.publish("error", map[string]interface{}{"message": "capture failed"})
		h.setState(models.StateError)
		return
	}

	h.image = &img
	h.setState(models.StateAnalyzing)

	ctx, cancel := context.WithTimeout(context.Background(), h.analysisTimeout)
	h.cancelAnalysis = cancel
	go h.analyze(ctx, cancel, img, h.generation)
}

func (h *WorkflowHandler) analyze(ctx context.Context, cancel context.CancelFunc, img models.CapturedImage, generation uint64) {
	defer cancel()

	result, err := h.analyzer.AnalyzeFace(ctx, img)
	if err != nil {
		h.Dispatch(workflowEvent{kind: eventAnalysisFailed, err: err, generation: generation})
		return
	}
	h.Dispatch(workflowEvent{kind: eventAnalysisSucceeded, result: result, generation: generation})
}

// handleReset discards the captured image and its result together and
// returns to the live camera. Resetting while an analysis is in flight
// cancels the outstanding request and bumps the generation so its
// eventual completion is discarded.
func (h *WorkflowHandler) handleReset() {
	switch h.state {
	case models.StatePhotoTaken, models.StateError, models.StateAnalyzing:
	default:
		h.logger.Debug("Reset ignored", zap.String("state", h.state.String()))
		return
	}

	if h.state == models.StateAnalyzing && h.cancelAnalysis != nil {
		h.cancelAnalysis()
		h.cancelAnalysis = nil
	}

	h.generation++
	h.image = nil
	h.result = nil
	go h.clearCachedResult()

	if h.surfaceReady {
		h.setState(models.StateCameraActive)
		return
	}
	// The surface never came up (or failed); retry initialization.
	h.setState(models.StateLoadingModel)
	h.surface.Start()
}

func (h *WorkflowHandler) setState(state models.WorkflowState) {
	if h.state == state {
		return
	}
	h.logger.Info("Workflow state changed",
		zap.String("from", h.state.String()),
		zap.String("to", state.String()))
	h.state = state
	h.publish("state", map[string]interface{}{
		"state":       state.String(),
		"can_capture": state == models.StateCameraActive && h.presence.Detected,
	})
}

func (h *WorkflowHandler) publishResult(result *models.AnalysisResult) {
	data := map[string]interface{}{
		"description": result.Description,
		"expression":  result.Expression,
		"sentiment":   result.Sentiment,
	}
	if h.image != nil {
		data["image"] = h.image.DataURI()
	}
	h.publish("result", data)
}

func (h *WorkflowHandler) resultCacheKey() string {
	return fmt.Sprintf("session:%s:last_result", h.session.ID)
}

func (h *WorkflowHandler) cacheResult(result models.AnalysisResult) {
	if h.session == nil || h.session.RedisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("Failed to marshal analysis result for cache", zap.Error(err))
		return
	}
	if err := h.session.RedisClient.Set(ctx, h.resultCacheKey(), payload, 24*time.Hour).Err(); err != nil {
		h.logger.Warn("Failed to cache analysis result", zap.Error(err))
	}
}

func (h *WorkflowHandler) clearCachedResult() {
	if h.session == nil || h.session.RedisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.session.RedisClient.Del(ctx, h.resultCacheKey()).Err(); err != nil {
		h.logger.Warn("Failed to clear cached analysis result", zap.Error(err))
	}
}
