package utils

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Camera owns one live video device. It is acquired on activation and
// must be released with Close before another activation re-acquires
// it; two live handles to the same device are never held.
type Camera struct {
	DeviceID int
	stream   *gocv.VideoCapture
}

// OpenCamera acquires the given camera device as a 1280x720 video
// stream with no audio track.
func OpenCamera(deviceID int) (*Camera, error) {
	stream, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera device %d: %w", deviceID, err)
	}

	stream.Set(gocv.VideoCaptureFrameWidth, 1280)
	stream.Set(gocv.VideoCaptureFrameHeight, 720)

	zap.L().Debug("Camera device acquired", zap.Int("device", deviceID))
	return &Camera{DeviceID: deviceID, stream: stream}, nil
}

// TryOpenCamera opens the device named by CAMERA_DEVICE_ID, falling
// back to the default device when the configured one is unavailable.
func TryOpenCamera() (*Camera, error) {
	deviceID := 0
	if raw := os.Getenv("CAMERA_DEVICE_ID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			zap.L().Warn("Invalid CAMERA_DEVICE_ID, using default device", zap.String("value", raw))
		} else {
			deviceID = id
		}
	}

	camera, err := OpenCamera(deviceID)
	if err == nil {
		return camera, nil
	}

	if deviceID != 0 {
		zap.L().Warn("Configured camera unavailable, trying default device", zap.Error(err))
		return OpenCamera(0)
	}
	return nil, err
}

// Read fills dst with the next frame. It returns false when no frame
// is available yet.
func (c *Camera) Read(dst *gocv.Mat) bool {
	return c.stream.Read(dst)
}

// Close releases the device handle.
func (c *Camera) Close() error {
	zap.L().Debug("Releasing camera device", zap.Int("device", c.DeviceID))
	return c.stream.Close()
}
