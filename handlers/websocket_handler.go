package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/FaceFrame-Labs/faceframe-server/utils"
)

// CameraSession ties one websocket client to its capture surface and
// workflow. The camera device belongs to the capture handler; the
// session never touches it directly.
type CameraSession struct {
	ID          string
	Connection  *websocket.Conn
	RedisClient *redis.Client
	Logger      *zap.Logger

	// Session state. IsActive is shared between the listener and
	// heartbeat goroutines.
	IsActive     atomic.Bool
	StartTime    time.Time
	LastActivity time.Time

	writeMu sync.Mutex

	Workflow *WorkflowHandler
	Capture  *CaptureHandler
	memory   *utils.AnalysisMemory
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin
	},
}

func NewCameraSession(id string, conn *websocket.Conn, redisClient *redis.Client) *CameraSession {
	logger := zap.L().With(zap.String("session_id", id))

	session := &CameraSession{
		ID:          id,
		Connection:  conn,
		RedisClient: redisClient,
		Logger:      logger,

		StartTime:    time.Now(),
		LastActivity: time.Now(),
	}
	session.IsActive.Store(true)
	return session
}

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

func HandleCameraSession(w http.ResponseWriter, r *http.Request, redisClient *redis.Client) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	sessionID := uuid.New().String()
	session := NewCameraSession(sessionID, conn, redisClient)
	session.Logger.Info("New camera session started")

	detector := utils.NewCascadeDetector(utils.FaceModelPath())
	capture := NewCaptureHandler(session.Logger, detector, func() (FrameSource, error) {
		return utils.TryOpenCamera()
	})
	capture.bindSession(session)

	memory := utils.NewAnalysisMemory(sessionID)
	workflow := InitWorkflowHandler(session, capture, utils.NewGeminiClient(), memory)
	capture.notify = workflow.Dispatch

	session.Workflow = workflow
	session.Capture = capture
	session.memory = memory

	// Kick off model loading and camera acquisition; the workflow
	// starts in the loading state until the surface reports ready.
	capture.Start()

	go session.heartbeat()

	session.listenWebsocketMessages(conn)

	session.Logger.Info("Camera session ended")
	session.Stop()
}

func (session *CameraSession) listenWebsocketMessages(conn *websocket.Conn) {
	for {
		var msg WebSocketMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				session.Logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		session.LastActivity = time.Now()

		switch msg.Type {
		case "config":
			session.handleConfigMessage(msg.Data)
		case "capture":
			session.Workflow.RequestCapture()
		case "reset":
			session.Workflow.RequestReset()
		case "recall":
			session.handleRecallMessage(msg.Data)
		case "ping":
			session.sendWebSocketMessage("pong", nil)
		case "stop":
			session.Logger.Info("Received stop command from client")
			session.sendWebSocketMessage("stop_confirmation", map[string]interface{}{
				"session_id": session.ID,
				"message":    "Session stopped successfully",
			})
			return
		default:
			session.Logger.Warn("Unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (session *CameraSession) handleConfigMessage(data interface{}) {
	configData, ok := data.(map[string]interface{})
	if !ok {
		session.Logger.Error("Invalid config data format")
		return
	}

	if previewInterval, exists := configData["preview_interval"]; exists {
		if intervalStr, ok := previewInterval.(string); ok {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				session.Capture.SetPreviewInterval(duration)
			}
		}
	}

	session.sendWebSocketMessage("config_updated", nil)
}

func (session *CameraSession) handleRecallMessage(data interface{}) {
	if session.memory == nil {
		session.sendWebSocketMessage("recall_result", map[string]interface{}{"matches": []string{}})
		return
	}

	recallData, ok := data.(map[string]interface{})
	if !ok {
		session.Logger.Error("Invalid recall data format")
		return
	}
	query, _ := recallData["query"].(string)
	if query == "" {
		session.Logger.Error("Recall request without query")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		matches, err := session.memory.Recall(ctx, query, 5)
		if err != nil {
			session.Logger.Error("Failed to recall analysis memory", zap.Error(err))
			return
		}
		session.sendWebSocketMessage("recall_result", map[string]interface{}{"matches": matches})
	}()
}

func (session *CameraSession) heartbeat() {
	for session.IsActive.Load() {
		time.Sleep(30 * time.Second)
		if !session.IsActive.Load() {
			return
		}
		session.Logger.Debug("Session heartbeat")
		session.sendWebSocketMessage("heartbeat", map[string]interface{}{
			"session_id": session.ID,
			"uptime":     time.Since(session.StartTime).String(),
		})
	}
}

func (session *CameraSession) Stop() {
	if !session.IsActive.CompareAndSwap(true, false) {
		return
	}
	session.Logger.Info("Stopping session")

	if session.Capture != nil {
		session.Capture.Close()
	}
	if session.Workflow != nil {
		session.Workflow.Close()
	}
	if session.Connection != nil {
		session.Connection.Close()
	}
}

func (session *CameraSession) sendWebSocketMessage(msgType string, data interface{}) {
	msg := WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}

	session.writeMu.Lock()
	err := session.Connection.WriteJSON(msg)
	session.writeMu.Unlock()
	if err != nil {
		session.Logger.Error("Failed to send websocket message", zap.Error(err), zap.String("type", msgType))
	}
}

// HealthCheckHandler reports process liveness.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
