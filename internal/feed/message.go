package feed

import (
	"encoding/json"
	"fmt"
)

// frameTypeByte marks binary WebSocket payloads carrying a JPEG frame.
const frameTypeByte = 0x01

// FrameMessage is the JSON envelope edge workers publish on frames.<worker>.<camera>.
type FrameMessage struct {
	Camera    string `json:"c"` // camera ID
	Seq       uint64 `json:"s"` // monotonic sequence number
	Timestamp int64  `json:"t"` // unix timestamp in milliseconds
	Width     int    `json:"w"`
	Height    int    `json:"h"`
	Frame     string `json:"f"` // base64 encoded JPEG
}

// ClientMessage is a control message received from a viewer.
type ClientMessage struct {
	Type   string `json:"type"`   // subscribe, unsubscribe, ping
	Camera string `json:"camera"` // workerID.cameraID
}

// FeedMessage is the JSON envelope pushed to viewers for non-frame data.
type FeedMessage struct {
	Type   string          `json:"type"` // detection, error, pong
	Camera string          `json:"camera,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// encodeFrame builds the binary wire message pushed to viewers:
// [0x01][len(cameraKey):1 byte][cameraKey][raw JPEG bytes]
func encodeFrame(cameraKey string, jpeg []byte) []byte {
	msg := make([]byte, 1+1+len(cameraKey)+len(jpeg))
	msg[0] = frameTypeByte
	msg[1] = byte(len(cameraKey))
	copy(msg[2:2+len(cameraKey)], cameraKey)
	copy(msg[2+len(cameraKey):], jpeg)
	return msg
}

// decodeFrame reverses encodeFrame.
func decodeFrame(msg []byte) (cameraKey string, jpeg []byte, err error) {
	if len(msg) < 2 || msg[0] != frameTypeByte {
		return "", nil, fmt.Errorf("not a frame message")
	}
	keyLen := int(msg[1])
	if len(msg) < 2+keyLen {
		return "", nil, fmt.Errorf("truncated frame message: key length %d, payload %d", keyLen, len(msg)-2)
	}
	return string(msg[2 : 2+keyLen]), msg[2+keyLen:], nil
}

// parseCameraKey splits "workerID.cameraID" at the first dot. Camera IDs may
// themselves contain dots; everything after the first one belongs to the camera.
func parseCameraKey(key string) (workerID, cameraID string, err error) {
	for i, c := range key {
		if c == '.' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid camera key %q (expected workerID.cameraID)", key)
}

func frameSubject(workerID, cameraID string) string {
	return fmt.Sprintf("frames.%s.%s", workerID, cameraID)
}

func detectionSubject(workerID, cameraID string) string {
	return fmt.Sprintf("detections.%s.%s", workerID, cameraID)
}

func commandSubject(workerID string) string {
	return fmt.Sprintf("command.%s", workerID)
}
