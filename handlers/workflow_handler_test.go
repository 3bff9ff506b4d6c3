package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/FaceFrame-Labs/faceframe-server/models"
)

type fakeSurface struct {
	img      models.CapturedImage
	err      error
	captures int
	starts   int
}

func (f *fakeSurface) Start() { f.starts++ }

func (f *fakeSurface) Capture() (models.CapturedImage, error) {
	f.captures++
	if f.err != nil {
		return models.CapturedImage{}, f.err
	}
	return f.img, nil
}

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests int
	result   *models.AnalysisResult
	err      error
	block    chan struct{}
}

func (f *fakeAnalyzer) AnalyzeFace(ctx context.Context, img models.CapturedImage) (*models.AnalysisResult, error) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func (f *fakeAnalyzer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func newTestWorkflow(surface *fakeSurface, analyzer *fakeAnalyzer) *WorkflowHandler {
	return newWorkflowHandler(zap.NewNop(), surface, analyzer)
}

// drainAnalysis waits for the async analysis completion event and
// feeds it through the state machine.
func drainAnalysis(t *testing.T, w *WorkflowHandler) {
	t.Helper()
	select {
	case ev := <-w.events:
		w.handleEvent(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for analysis completion event")
	}
}

func presenceEvent(detected bool) workflowEvent {
	presence := models.PresenceStatus{Detected: detected}
	if detected {
		presence.Box = &models.BoundingBox{X: 10, Y: 20, Width: 100, Height: 80}
	}
	return workflowEvent{kind: eventPresence, presence: presence}
}

func TestSurfaceReadyActivatesCamera(t *testing.T) {
	w := newTestWorkflow(&fakeSurface{}, &fakeAnalyzer{})

	if w.state != models.StateLoadingModel {
		t.Fatalf("expected initial state loading_model, got %s", w.state)
	}
	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	if w.state != models.StateCameraActive {
		t.Fatalf("expected camera_active, got %s", w.state)
	}
}

func TestSurfaceFailureRoutesToError(t *testing.T) {
	surface := &fakeSurface{}
	w := newTestWorkflow(surface, &fakeAnalyzer{})

	w.handleEvent(workflowEvent{kind: eventSurfaceFailed, err: errors.New("no camera")})
	if w.state != models.StateError {
		t.Fatalf("expected error state, got %s", w.state)
	}

	// Reset retries initialization instead of leaving the session stuck.
	w.handleEvent(workflowEvent{kind: eventResetRequested})
	if w.state != models.StateLoadingModel {
		t.Fatalf("expected loading_model after reset, got %s", w.state)
	}
	if surface.starts != 1 {
		t.Fatalf("expected one re-initialization attempt, got %d", surface.starts)
	}
}

func TestCaptureIgnoredWithoutPresence(t *testing.T) {
	surface := &fakeSurface{img: models.CapturedImage{JPEG: []byte{0xFF, 0xD8}}}
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{Description: "d", Expression: "e", Sentiment: "s"}}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(false))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})

	if w.state != models.StateCameraActive {
		t.Fatalf("ungated capture must not transition, got %s", w.state)
	}
	if surface.captures != 0 {
		t.Fatalf("expected no still produced, got %d", surface.captures)
	}
	if analyzer.requestCount() != 0 {
		t.Fatalf("expected no analysis request, got %d", analyzer.requestCount())
	}
}

func TestCaptureIgnoredWhileLoading(t *testing.T) {
	surface := &fakeSurface{}
	w := newTestWorkflow(surface, &fakeAnalyzer{})

	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})

	if w.state != models.StateLoadingModel {
		t.Fatalf("expected loading_model, got %s", w.state)
	}
	if surface.captures != 0 {
		t.Fatalf("expected no still produced, got %d", surface.captures)
	}
}

func TestCaptureWithPresenceAnalyzesOnce(t *testing.T) {
	surface := &fakeSurface{img: models.CapturedImage{JPEG: []byte{0xFF, 0xD8}}}
	want := models.AnalysisResult{Description: "a person at a desk", Expression: "smiling", Sentiment: "Happy"}
	analyzer := &fakeAnalyzer{result: &want}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})

	if w.state != models.StateAnalyzing {
		t.Fatalf("expected analyzing, got %s", w.state)
	}
	if surface.captures != 1 {
		t.Fatalf("expected exactly one still, got %d", surface.captures)
	}

	drainAnalysis(t, w)

	if w.state != models.StatePhotoTaken {
		t.Fatalf("expected photo_taken, got %s", w.state)
	}
	if analyzer.requestCount() != 1 {
		t.Fatalf("expected exactly one analysis request, got %d", analyzer.requestCount())
	}
	if w.result == nil || *w.result != want {
		t.Fatalf("expected result stored verbatim, got %+v", w.result)
	}
}

func TestSecondCaptureRejectedWhileAnalyzing(t *testing.T) {
	surface := &fakeSurface{img: models.CapturedImage{JPEG: []byte{0xFF, 0xD8}}}
	analyzer := &fakeAnalyzer{
		result: &models.AnalysisResult{Description: "d", Expression: "e", Sentiment: "s"},
		block:  make(chan struct{}),
	}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})

	if surface.captures != 1 {
		t.Fatalf("expected second capture to be rejected, got %d stills", surface.captures)
	}

	close(analyzer.block)
	drainAnalysis(t, w)

	if w.state != models.StatePhotoTaken {
		t.Fatalf("expected photo_taken, got %s", w.state)
	}
	if analyzer.requestCount() != 1 {
		t.Fatalf("at most one analysis request may be in flight, got %d", analyzer.requestCount())
	}
}

func TestAnalysisFailureRoutesToError(t *testing.T) {
	surface := &fakeSurface{img: models.CapturedImage{JPEG: []byte{0xFF, 0xD8}}}
	analyzer := &fakeAnalyzer{err: errors.New("network down")}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})
	drainAnalysis(t, w)

	if w.state != models.StateError {
		t.Fatalf("expected error state, got %s", w.state)
	}
	if w.result != nil {
		t.Fatalf("result must stay unset on failure, got %+v", w.result)
	}
}

func TestResetClearsImageAndResult(t *testing.T) {
	surface := &fakeSurface{img: models.CapturedImage{JPEG: []byte{0xFF, 0xD8}}}
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{Description: "d", Expression: "e", Sentiment: "s"}}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})
	drainAnalysis(t, w)

	if w.state != models.StatePhotoTaken {
		t.Fatalf("expected photo_taken, got %s", w.state)
	}

	w.handleEvent(workflowEvent{kind: eventResetRequested})

	if w.state != models.StateCameraActive {
		t.Fatalf("expected camera_active after reset, got %s", w.state)
	}
	if w.image != nil || w.result != nil {
		t.Fatal("reset must clear both the captured image and the result")
	}
}

func TestResetDuringAnalysisDiscardsStaleResult(t *testing.T) {
	surface := &fakeSurface{img: models.CapturedImage{JPEG: []byte{0xFF, 0xD8}}}
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{Description: "d", Expression: "e", Sentiment: "s"}}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})

	w.handleEvent(workflowEvent{kind: eventResetRequested})
	if w.state != models.StateCameraActive {
		t.Fatalf("expected camera_active after reset, got %s", w.state)
	}

	// The abandoned attempt eventually completes; its result belongs
	// to a previous generation and must be discarded.
	drainAnalysis(t, w)
	if w.state != models.StateCameraActive {
		t.Fatalf("stale result must not change state, got %s", w.state)
	}
	if w.result != nil {
		t.Fatalf("stale result must be discarded, got %+v", w.result)
	}
}

func TestCaptureFailureRoutesToError(t *testing.T) {
	surface := &fakeSurface{err: errors.New("no frame available")}
	analyzer := &fakeAnalyzer{}
	w := newTestWorkflow(surface, analyzer)

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(true))
	w.handleEvent(workflowEvent{kind: eventCaptureRequested})

	if w.state != models.StateError {
		t.Fatalf("expected error state, got %s", w.state)
	}
	if analyzer.requestCount() != 0 {
		t.Fatalf("expected no analysis request, got %d", analyzer.requestCount())
	}
}

func TestDispatchDropsOnlyPresenceUnderPressure(t *testing.T) {
	w := newTestWorkflow(&fakeSurface{}, &fakeAnalyzer{})

	for i := 0; i < cap(w.events); i++ {
		w.Dispatch(presenceEvent(true))
	}
	// A presence update on a full channel is dropped; the next cycle
	// replaces it.
	w.Dispatch(presenceEvent(false))
	if len(w.events) != cap(w.events) {
		t.Fatalf("expected the channel to stay at capacity, got %d", len(w.events))
	}

	delivered := make(chan struct{})
	go func() {
		w.Dispatch(workflowEvent{kind: eventCaptureRequested})
		close(delivered)
	}()

	// A user command must wait for room instead of being dropped.
	select {
	case <-delivered:
		t.Fatal("capture command returned while the channel was full")
	case <-time.After(50 * time.Millisecond):
	}

	<-w.events
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("capture command was lost after room became available")
	}
}

func TestPresencePublishGatesCaptureAffordance(t *testing.T) {
	w := newTestWorkflow(&fakeSurface{}, &fakeAnalyzer{})

	type published struct {
		msgType string
		data    map[string]interface{}
	}
	var messages []published
	w.publish = func(msgType string, data interface{}) {
		fields, _ := data.(map[string]interface{})
		messages = append(messages, published{msgType: msgType, data: fields})
	}

	w.handleEvent(workflowEvent{kind: eventSurfaceReady})
	w.handleEvent(presenceEvent(false))
	w.handleEvent(presenceEvent(true))

	var presences []published
	for _, m := range messages {
		if m.msgType == "presence" {
			presences = append(presences, m)
		}
	}
	if len(presences) != 2 {
		t.Fatalf("expected one presence message per cycle, got %d", len(presences))
	}
	if canCapture, _ := presences[0].data["can_capture"].(bool); canCapture {
		t.Fatal("capture affordance must be disabled without a face")
	}
	if canCapture, _ := presences[1].data["can_capture"].(bool); !canCapture {
		t.Fatal("capture affordance must be enabled with a face present")
	}
}
