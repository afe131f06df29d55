package control

// Command is a request received on the control socket.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the reply to a command.
type Result struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

func okResult(id string, payload any) Result {
	return Result{Type: "command_result", CommandID: id, Status: statusOK, Result: payload}
}

func errResult(id string, err error) Result {
	return Result{Type: "command_result", CommandID: id, Status: statusError, Error: err.Error()}
}

// StreamRequest is the payload of a start_stream command.
type StreamRequest struct {
	DisplayID   uint32 `json:"displayId"`
	FrameRate   int    `json:"frameRate"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PixelFormat string `json:"pixelFormat"`
	HDR         bool   `json:"hdr"`
	HideCursor  bool   `json:"hideCursor"`
}

// StreamStatus describes the active session, if any.
type StreamStatus struct {
	Running   bool   `json:"running"`
	DisplayID uint32 `json:"displayId,omitempty"`
	HDRActive bool   `json:"hdrActive,omitempty"`
}

// SnapshotInfo describes a captured single frame. Pixel data stays on the
// host side; the control plane only reports geometry.
type SnapshotInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}
