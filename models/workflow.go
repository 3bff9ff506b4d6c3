package models

import (
	"encoding/base64"
	"fmt"
	"time"
)

// WorkflowState is the single source of truth for which user actions
// are currently allowed. Exactly one state is current at any time.
type WorkflowState int

const (
	StateLoadingModel WorkflowState = iota
	StateCameraActive
	StateAnalyzing
	StatePhotoTaken
	StateError
)

func (s WorkflowState) String() string {
	switch s {
	case StateLoadingModel:
		return "loading_model"
	case StateCameraActive:
		return "camera_active"
	case StateAnalyzing:
		return "analyzing"
	case StatePhotoTaken:
		return "photo_taken"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// BoundingBox is expressed in the unmirrored native frame's coordinate
// space, exactly as the detector reports it.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one face reported by the detector for a single frame.
type Detection struct {
	Box BoundingBox
}

// PresenceStatus is emitted once per detection cycle. Box is set if
// and only if Detected is true.
type PresenceStatus struct {
	Detected bool         `json:"detected"`
	Box      *BoundingBox `json:"box,omitempty"`
}

// PresenceFromDetections collapses a detector result into a presence
// signal. When several faces are visible only the first one reported
// is kept; the detector's own ordering is passed through untouched.
func PresenceFromDetections(detections []Detection) PresenceStatus {
	if len(detections) == 0 {
		return PresenceStatus{}
	}
	box := detections[0].Box
	return PresenceStatus{Detected: true, Box: &box}
}

// JPEGDataURIPrefix is the header a browser puts in front of an
// encoded still. The analysis client strips it before transmission.
const JPEGDataURIPrefix = "data:image/jpeg;base64,"

// CapturedImage is a single encoded still frame, produced once per
// accepted capture action. The still is already mirrored so it matches
// the preview the user saw.
type CapturedImage struct {
	JPEG      []byte
	Timestamp time.Time
}

func (c CapturedImage) DataURI() string {
	return JPEGDataURIPrefix + base64.StdEncoding.EncodeToString(c.JPEG)
}

// AnalysisResult holds the structured fields returned by the remote
// vision model, verbatim. Immutable once received.
type AnalysisResult struct {
	Description string `json:"description"`
	Expression  string `json:"expression"`
	Sentiment   string `json:"sentiment"`
}
