package utils

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/FaceFrame-Labs/faceframe-server/models"
)

const defaultFaceModelPath = "data/haarcascade_frontalface_default.xml"

// FaceModelPath returns the path of the pre-trained face model file,
// from FACE_MODEL_PATH or the bundled default.
func FaceModelPath() string {
	if path := os.Getenv("FACE_MODEL_PATH"); path != "" {
		return path
	}
	return defaultFaceModelPath
}

// CascadeDetector wraps a pre-trained cascade classifier behind the
// fixed detector contract: given a frame and a timestamp, return zero
// or more face detections. Load must succeed before Detect is called.
type CascadeDetector struct {
	ModelPath  string
	classifier gocv.CascadeClassifier
	loaded     bool
}

func NewCascadeDetector(modelPath string) *CascadeDetector {
	return &CascadeDetector{ModelPath: modelPath}
}

// Load reads the model file. Failure here means the detector is
// unusable for the session.
func (d *CascadeDetector) Load() error {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(d.ModelPath) {
		classifier.Close()
		return fmt.Errorf("failed to load face model from %s", d.ModelPath)
	}
	d.classifier = classifier
	d.loaded = true
	zap.L().Info("Face model loaded", zap.String("path", d.ModelPath))
	return nil
}

// Detect runs the classifier on one frame. The timestamp is not used
// by the cascade model itself but is part of the detector contract and
// logged for tracing. Returns an empty slice when no face is found.
func (d *CascadeDetector) Detect(frame *gocv.Mat, timestampMs int64) []models.Detection {
	rects := d.classifier.DetectMultiScale(*frame)
	if len(rects) == 0 {
		return nil
	}

	detections := make([]models.Detection, 0, len(rects))
	for _, r := range rects {
		detections = append(detections, models.Detection{
			Box: models.BoundingBox{
				X:      r.Min.X,
				Y:      r.Min.Y,
				Width:  r.Dx(),
				Height: r.Dy(),
			},
		})
	}
	zap.L().Debug("Faces detected",
		zap.Int("count", len(detections)),
		zap.Int64("timestamp_ms", timestampMs))
	return detections
}

func (d *CascadeDetector) Close() error {
	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.classifier.Close()
}
