package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message types
const (
	// Keep-alive and telemetry
	TypeHeartbeat  = "heartbeat"
	TypeMonitor    = "monitor"
	TypeSystemInfo = "system_info"

	// File access
	TypeFileList            = "file_list"
	TypeFileListResponse    = "file_list_response"
	TypeFileContent         = "file_content"
	TypeFileContentResponse = "file_content_response"
	TypeTree                = "tree"
	TypeFileTreeResponse    = "file_tree_response"

	// Processes
	TypeProcessList         = "process_list"
	TypeProcessListResponse = "process_list_response"
	TypeProcessKill         = "process_kill"
	TypeProcessKillResponse = "process_kill_response"

	// Shell sessions
	TypeShellCommand  = "shell_command"
	TypeShellResponse = "shell_response"
	TypeShellClose    = "shell_close"
)

// file_content actions
const (
	ActionGet    = "get"
	ActionSave   = "save"
	ActionCreate = "create"
	ActionMkdir  = "mkdir"
	ActionTree   = "tree"
)

// shell_command sub-types
const (
	ShellCreate = "create"
	ShellInput  = "input"
	ShellResize = "resize"
	ShellClose  = "close"
)

// Heartbeat statuses
const (
	StatusOnline = "online"
)

// Envelope is the part every frame shares.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Request is an inbound frame: the envelope plus its still-encoded payload.
type Request struct {
	Envelope
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseRequest decodes the envelope of an inbound frame. A frame without a
// type is rejected.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode envelope: %w", err)
	}
	if req.Type == "" {
		return Request{}, fmt.Errorf("decode envelope: missing type")
	}
	return req, nil
}

// DecodePayload unmarshals the request payload into v. An absent or null
// payload leaves v untouched.
func (r Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 || bytes.Equal(bytes.TrimSpace(r.Payload), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.Type, err)
	}
	return nil
}

// Response is an outbound reply correlated to a request.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewResponse builds a correlated response stamped with the current time.
func NewResponse(msgType, requestID string, data any) Response {
	return Response{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
}

// Heartbeat is sent periodically by the agent and answered in both
// directions. Replies set IsReply so neither side echoes them again.
type Heartbeat struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Version   string `json:"version"`
	IsReply   bool   `json:"is_reply"`
}

// NewHeartbeat returns a heartbeat stamped with the current time.
func NewHeartbeat(status, version string, reply bool) Heartbeat {
	return Heartbeat{
		Type:      TypeHeartbeat,
		Timestamp: time.Now().Unix(),
		Status:    status,
		Version:   version,
		IsReply:   reply,
	}
}

// Report wraps an unsolicited telemetry payload (monitor, system_info).
type Report struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// MonitorPayload is one telemetry snapshot.
type MonitorPayload struct {
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsed  uint64  `json:"memory_used"`
	MemoryTotal uint64  `json:"memory_total"`
	DiskUsed    uint64  `json:"disk_used"`
	DiskTotal   uint64  `json:"disk_total"`
	NetworkIn   float64 `json:"network_in"`
	NetworkOut  float64 `json:"network_out"`
	BootTime    uint64  `json:"boot_time"`
	Latency     float64 `json:"latency"`
	PacketLoss  float64 `json:"packet_loss"`
	LoadAvg1    float64 `json:"load_avg_1"`
	LoadAvg5    float64 `json:"load_avg_5"`
	LoadAvg15   float64 `json:"load_avg_15"`
}

// SystemInfoPayload describes the host once per connection.
type SystemInfoPayload struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	CPUModel        string `json:"cpu_model"`
	CPUCores        int    `json:"cpu_cores"`
	MemoryTotal     uint64 `json:"memory_total"`
	DiskTotal       uint64 `json:"disk_total"`
	BootTime        uint64 `json:"boot_time"`
	PublicIP        string `json:"public_ip"`
}

// FileItem is one directory entry. Children is only set by tree listings.
type FileItem struct {
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	IsDir    bool       `json:"is_dir"`
	ModTime  string     `json:"mod_time"`
	Mode     string     `json:"mode"`
	Children []FileItem `json:"children,omitempty"`
}

type FileListPayload struct {
	Path string `json:"path"`
}

type FileListData struct {
	Path    string     `json:"path"`
	Files   []FileItem `json:"files"`
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
}

type FileContentPayload struct {
	Path    string  `json:"path"`
	Action  string  `json:"action"`
	Content *string `json:"content,omitempty"`
}

type FileContentData struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
	Success bool    `json:"success"`
	Message string  `json:"message,omitempty"`
}

// FileTreePayload carries the requested depth in Content.
type FileTreePayload struct {
	Path    string     `json:"path"`
	Content FlexString `json:"content"`
}

type FileTreeData struct {
	Path    string     `json:"path"`
	Tree    []FileItem `json:"tree"`
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
}

type ProcessItem struct {
	PID      int32   `json:"pid"`
	PPID     int32   `json:"ppid"`
	Name     string  `json:"name"`
	Username string  `json:"username"`
	Memory   uint64  `json:"memory"`
	CPU      float64 `json:"cpu"`
	Status   string  `json:"status"`
	Cmdline  string  `json:"cmdline"`
}

type ProcessListData struct {
	Timestamp int64         `json:"timestamp"`
	Count     int           `json:"count"`
	Processes []ProcessItem `json:"processes"`
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
}

type ProcessKillPayload struct {
	PID int32 `json:"pid"`
}

type ProcessKillData struct {
	PID       int32  `json:"pid"`
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ShellPayload is the inner command of a shell_command frame.
type ShellPayload struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// ShellOutput streams subprocess output or keystroke echo for one session.
type ShellOutput struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Data    string `json:"data"`
}

func NewShellOutput(session, data string) ShellOutput {
	return ShellOutput{Type: TypeShellResponse, Session: session, Data: data}
}

// ShellClosed tells the server a session is gone.
type ShellClosed struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Message string `json:"message"`
}

func NewShellClosed(session, message string) ShellClosed {
	return ShellClosed{Type: TypeShellClose, Session: session, Message: message}
}

// FlexString accepts either a JSON string or a JSON number. Servers send the
// tree depth both ways.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("content must be a string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// Depth parses the value as a tree depth, returning def when it is empty or
// not a positive integer.
func (f FlexString) Depth(def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil || n < 1 {
		return def
	}
	return n
}
