// Package feed distributes live camera frames and detection events from the
// broker to WebSocket viewers. The hub owns subscription lifecycle: a broker
// subscription for a camera exists exactly while at least one viewer watches it.
package feed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Hub coordinates camera subscriptions and connected viewers.
type Hub struct {
	conn   *nats.Conn
	logger zerolog.Logger

	clients   map[*Client]bool
	clientsMu sync.RWMutex

	// cameraKey -> subscription
	subscriptions   map[string]*cameraSubscription
	subscriptionsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// frames fanned out per camera in the current second
	fpsCount map[string]int
	fpsMu    sync.Mutex
}

// cameraSubscription ties one camera key to its broker subscriptions and the
// viewers currently watching it.
type cameraSubscription struct {
	cameraKey   string // workerID.cameraID
	frameSub    *nats.Subscription
	detectSub   *nats.Subscription
	viewers     map[*Client]bool
	viewersMu   sync.RWMutex
	lastFrame   []byte // single-writer: only the frame callback touches these
	lastFrameAt time.Time
}

// NewHub creates a hub routing messages from the given broker connection.
func NewHub(conn *nats.Conn, logger zerolog.Logger) *Hub {
	return &Hub{
		conn:          conn,
		logger:        logger,
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]*cameraSubscription),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		fpsCount:      make(map[string]int),
	}
}

// Register adds a client to the hub. Connects and disconnects go through the
// same serialized path so they cannot reorder against each other.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client, closes its send queue and releases every
// camera subscription it held.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Run drains the register/unregister queue and reports per-camera FPS once a
// second. It returns when ctx is cancelled; the broker must be shut down only
// after Run has returned.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("Feed hub started")

	fpsTicker := time.NewTicker(time.Second)
	defer fpsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			h.clientsMu.Unlock()
			h.logger.Info().Str("remoteAddr", client.remoteAddr).Msg("Viewer connected")

		case client := <-h.unregister:
			h.dropClient(client)

		case <-fpsTicker.C:
			h.logFPS()
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	// Leave every viewer set first so no broadcast can target the client
	// once its queue is closed.
	client.camerasMu.Lock()
	keys := make([]string, 0, len(client.cameras))
	for cameraKey := range client.cameras {
		keys = append(keys, cameraKey)
	}
	client.camerasMu.Unlock()

	for _, cameraKey := range keys {
		h.unsubscribeClient(client, cameraKey)
	}

	h.clientsMu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientsMu.Unlock()

	h.logger.Info().Str("remoteAddr", client.remoteAddr).Msg("Viewer disconnected")
}

func (h *Hub) logFPS() {
	h.fpsMu.Lock()
	defer h.fpsMu.Unlock()
	for cameraKey, count := range h.fpsCount {
		if count > 0 {
			h.logger.Debug().Str("cameraKey", cameraKey).Int("fps", count).Msg("Frames fanned out")
		}
		h.fpsCount[cameraKey] = 0
	}
}

// Subscribe adds a client as a viewer of cameraKey, creating the broker
// subscriptions and signalling the edge worker when it is the first viewer.
func (h *Hub) Subscribe(client *Client, cameraKey string) error {
	workerID, cameraID, err := parseCameraKey(cameraKey)
	if err != nil {
		return err
	}
	if len(cameraKey) > 255 {
		return fmt.Errorf("camera key too long: %d bytes", len(cameraKey))
	}

	h.subscriptionsMu.Lock()
	defer h.subscriptionsMu.Unlock()

	sub, exists := h.subscriptions[cameraKey]
	if !exists {
		sub = &cameraSubscription{
			cameraKey: cameraKey,
			viewers:   make(map[*Client]bool),
		}

		sub.frameSub, err = h.conn.Subscribe(frameSubject(workerID, cameraID), func(msg *nats.Msg) {
			h.broadcastFrame(cameraKey, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe to frames: %w", err)
		}

		sub.detectSub, err = h.conn.Subscribe(detectionSubject(workerID, cameraID), func(msg *nats.Msg) {
			h.broadcastDetection(cameraKey, msg.Data)
		})
		if err != nil {
			sub.frameSub.Unsubscribe()
			return fmt.Errorf("subscribe to detections: %w", err)
		}

		h.subscriptions[cameraKey] = sub

		h.sendStreamCommand("start_stream", workerID, cameraID)

		h.logger.Info().Str("cameraKey", cameraKey).Msg("Created camera subscription")
	}

	sub.viewersMu.Lock()
	sub.viewers[client] = true
	sub.viewersMu.Unlock()

	client.camerasMu.Lock()
	client.cameras[cameraKey] = true
	client.camerasMu.Unlock()

	h.logger.Info().Str("remoteAddr", client.remoteAddr).Str("cameraKey", cameraKey).Msg("Viewer subscribed")
	return nil
}

// Unsubscribe removes a client from a camera feed.
func (h *Hub) Unsubscribe(client *Client, cameraKey string) {
	h.unsubscribeClient(client, cameraKey)
}

func (h *Hub) unsubscribeClient(client *Client, cameraKey string) {
	h.subscriptionsMu.Lock()
	defer h.subscriptionsMu.Unlock()

	sub, exists := h.subscriptions[cameraKey]
	if !exists {
		return
	}

	sub.viewersMu.Lock()
	delete(sub.viewers, client)
	viewerCount := len(sub.viewers)
	sub.viewersMu.Unlock()

	client.camerasMu.Lock()
	delete(client.cameras, cameraKey)
	client.camerasMu.Unlock()

	// Teardown happens under subscriptionsMu so a concurrent Subscribe cannot
	// race the zero-viewer check.
	if viewerCount == 0 {
		if sub.frameSub != nil {
			sub.frameSub.Unsubscribe()
		}
		if sub.detectSub != nil {
			sub.detectSub.Unsubscribe()
		}
		delete(h.subscriptions, cameraKey)

		workerID, cameraID, _ := parseCameraKey(cameraKey)
		h.sendStreamCommand("stop_stream", workerID, cameraID)

		h.logger.Info().Str("cameraKey", cameraKey).Msg("Removed camera subscription, no viewers left")
	}

	h.logger.Info().Str("remoteAddr", client.remoteAddr).Str("cameraKey", cameraKey).Msg("Viewer unsubscribed")
}

// broadcastFrame runs on the broker's dispatch goroutine. It decodes the edge
// worker envelope, caches the JPEG as the camera's last frame and pushes the
// binary wire message to every viewer without ever blocking: a viewer with a
// full queue loses this frame, nobody else is affected.
func (h *Hub) broadcastFrame(cameraKey string, frameData []byte) {
	h.subscriptionsMu.RLock()
	sub, exists := h.subscriptions[cameraKey]
	h.subscriptionsMu.RUnlock()

	if !exists {
		return
	}

	var frameMsg FrameMessage
	if err := json.Unmarshal(frameData, &frameMsg); err != nil {
		h.logger.Warn().Err(err).Str("cameraKey", cameraKey).Msg("Undecodable frame envelope")
		return
	}

	jpeg, err := base64.StdEncoding.DecodeString(frameMsg.Frame)
	if err != nil {
		h.logger.Warn().Err(err).Str("cameraKey", cameraKey).Msg("Undecodable frame payload")
		return
	}

	sub.lastFrame = jpeg
	sub.lastFrameAt = time.Now()

	msg := encodeFrame(cameraKey, jpeg)

	sub.viewersMu.RLock()
	viewerCount := len(sub.viewers)
	for client := range sub.viewers {
		select {
		case client.send <- msg:
		default:
			// queue full, drop this frame for this viewer
		}
	}
	sub.viewersMu.RUnlock()

	if viewerCount > 0 {
		h.fpsMu.Lock()
		h.fpsCount[cameraKey]++
		h.fpsMu.Unlock()
	}
}

// broadcastDetection wraps detection payloads in the JSON envelope and pushes
// them to viewers with the same best-effort policy as frames.
func (h *Hub) broadcastDetection(cameraKey string, detectData []byte) {
	h.subscriptionsMu.RLock()
	sub, exists := h.subscriptions[cameraKey]
	h.subscriptionsMu.RUnlock()

	if !exists {
		return
	}

	msgBytes, _ := json.Marshal(FeedMessage{
		Type:   "detection",
		Camera: cameraKey,
		Data:   detectData,
	})

	sub.viewersMu.RLock()
	for client := range sub.viewers {
		select {
		case client.send <- msgBytes:
		default:
		}
	}
	sub.viewersMu.RUnlock()
}

// sendStreamCommand tells the edge worker to start or stop encoding a camera.
func (h *Hub) sendStreamCommand(action, workerID, cameraID string) {
	cmdBytes, _ := json.Marshal(map[string]string{
		"action":   action,
		"cameraId": cameraID,
	})

	if err := h.conn.Publish(commandSubject(workerID), cmdBytes); err != nil {
		h.logger.Warn().Err(err).Str("workerId", workerID).Str("action", action).Msg("Stream command not delivered")
		return
	}
	h.logger.Info().Str("workerId", workerID).Str("cameraId", cameraID).Str("action", action).Msg("Sent stream command")
}

// HubStats is the hub part of the operational stats surface.
type HubStats struct {
	Clients       int      `json:"clients"`
	Subscriptions int      `json:"subscriptions"`
	ActiveCameras []string `json:"activeCameras"`
}

// Stats reports connected viewers and active camera subscriptions.
func (h *Hub) Stats() HubStats {
	h.clientsMu.RLock()
	clientCount := len(h.clients)
	h.clientsMu.RUnlock()

	h.subscriptionsMu.RLock()
	cameras := make([]string, 0, len(h.subscriptions))
	for key := range h.subscriptions {
		cameras = append(cameras, key)
	}
	h.subscriptionsMu.RUnlock()

	return HubStats{
		Clients:       clientCount,
		Subscriptions: len(cameras),
		ActiveCameras: cameras,
	}
}
