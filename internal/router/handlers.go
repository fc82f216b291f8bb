package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
)

const (
	successMessage    = "Success"
	killedMessage     = "Process killed"
	killFailedMessage = "Failed to kill process"
	defaultTreeDepth  = 1
)

var errNoSession = errors.New("shell command without session id")

// --- Inline handlers ---

func handleHeartbeat(r *Router, req protocol.Request, raw []byte) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		log.Warn("malformed heartbeat", logging.KeyError, err)
		return
	}
	if hb.IsReply {
		return
	}
	reply := protocol.NewHeartbeat(r.status(), r.version, true)
	reply.RequestID = req.RequestID
	r.send(reply)
}

func handleShellCommand(r *Router, req protocol.Request, _ []byte) {
	var p protocol.ShellPayload
	if err := req.DecodePayload(&p); err != nil {
		log.Warn("malformed shell command", logging.KeyError, err)
		return
	}
	if p.Session == "" {
		log.Warn("dropping shell command", logging.KeyError, errNoSession, "shellType", p.Type)
		return
	}

	var err error
	switch p.Type {
	case protocol.ShellCreate:
		err = r.shells.Create(p.Session)
	case protocol.ShellInput:
		err = r.shells.Input(p.Session, p.Data)
	case protocol.ShellResize:
		err = r.shells.Resize(p.Session, p.Cols, p.Rows)
	case protocol.ShellClose:
		err = r.shells.Close(p.Session)
	default:
		log.Warn("unsupported shell command", logging.KeySessionID, p.Session, "shellType", p.Type)
		return
	}
	if err != nil {
		log.Warn("shell command failed", logging.KeySessionID, p.Session, "shellType", p.Type, logging.KeyError, err)
	}
}

// --- File access ---

func handleFileList(r *Router, _ context.Context, req protocol.Request) (protocol.Response, error) {
	var p protocol.FileListPayload
	if err := req.DecodePayload(&p); err != nil {
		return protocol.Response{}, err
	}
	files, err := r.files.ListDirectory(p.Path)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.NewResponse(protocol.TypeFileListResponse, req.RequestID, protocol.FileListData{
		Path:    p.Path,
		Files:   nonNil(files),
		Success: true,
	}), nil
}

func fileListFailure(req protocol.Request, message string) protocol.Response {
	return protocol.NewResponse(protocol.TypeFileListResponse, req.RequestID, protocol.FileListData{
		Path:    payloadPath(req),
		Files:   []protocol.FileItem{},
		Message: message,
	})
}

func handleFileContent(r *Router, ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var p protocol.FileContentPayload
	if err := req.DecodePayload(&p); err != nil {
		return protocol.Response{}, err
	}

	if p.Action == protocol.ActionTree {
		return r.tree(req.RequestID, p.Path, protocol.FlexString(deref(p.Content)).Depth(defaultTreeDepth))
	}

	data := protocol.FileContentData{Path: p.Path, Success: true, Message: successMessage}
	switch p.Action {
	case protocol.ActionGet:
		content, err := r.files.ReadFile(p.Path)
		if err != nil {
			return protocol.Response{}, err
		}
		data.Content = &content
	case protocol.ActionSave:
		if err := r.files.WriteFile(p.Path, deref(p.Content)); err != nil {
			return protocol.Response{}, err
		}
	case protocol.ActionCreate:
		if err := r.files.CreateFile(p.Path); err != nil {
			return protocol.Response{}, err
		}
		if content := deref(p.Content); content != "" {
			if err := r.files.WriteFile(p.Path, content); err != nil {
				return protocol.Response{}, err
			}
		}
	case protocol.ActionMkdir:
		if err := r.files.MakeDirectory(p.Path); err != nil {
			return protocol.Response{}, err
		}
	default:
		return protocol.Response{}, fmt.Errorf("unsupported action: %s", p.Action)
	}

	logging.FromContext(ctx).Debug("file content action done", "action", p.Action, "path", p.Path)
	return protocol.NewResponse(protocol.TypeFileContentResponse, req.RequestID, data), nil
}

// fileContentFailure answers with the response type the action would have
// used on success.
func fileContentFailure(req protocol.Request, message string) protocol.Response {
	var p protocol.FileContentPayload
	_ = req.DecodePayload(&p)
	if p.Action == protocol.ActionTree {
		return treeFailure(req, message)
	}
	return protocol.NewResponse(protocol.TypeFileContentResponse, req.RequestID, protocol.FileContentData{
		Path:    p.Path,
		Message: message,
	})
}

func handleTree(r *Router, _ context.Context, req protocol.Request) (protocol.Response, error) {
	var p protocol.FileTreePayload
	if err := req.DecodePayload(&p); err != nil {
		return protocol.Response{}, err
	}
	return r.tree(req.RequestID, p.Path, p.Content.Depth(defaultTreeDepth))
}

func (r *Router) tree(requestID, path string, depth int) (protocol.Response, error) {
	items, err := r.files.DirectoryTree(path, depth)
	if err != nil {
		return protocol.Response{}, err
	}
	return protocol.NewResponse(protocol.TypeFileTreeResponse, requestID, protocol.FileTreeData{
		Path:    path,
		Tree:    nonNil(items),
		Success: true,
	}), nil
}

func treeFailure(req protocol.Request, message string) protocol.Response {
	return protocol.NewResponse(protocol.TypeFileTreeResponse, req.RequestID, protocol.FileTreeData{
		Path:    payloadPath(req),
		Tree:    []protocol.FileItem{},
		Message: message,
	})
}

// --- Processes ---

func handleProcessList(r *Router, ctx context.Context, req protocol.Request) (protocol.Response, error) {
	procs, err := r.processes.ListProcesses(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	if procs == nil {
		procs = []protocol.ProcessItem{}
	}
	return protocol.NewResponse(protocol.TypeProcessListResponse, req.RequestID, protocol.ProcessListData{
		Timestamp: time.Now().Unix(),
		Count:     len(procs),
		Processes: procs,
		Success:   true,
	}), nil
}

func processListFailure(req protocol.Request, message string) protocol.Response {
	return protocol.NewResponse(protocol.TypeProcessListResponse, req.RequestID, protocol.ProcessListData{
		Timestamp: time.Now().Unix(),
		Processes: []protocol.ProcessItem{},
		Message:   message,
	})
}

func handleProcessKill(r *Router, ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var p protocol.ProcessKillPayload
	if err := req.DecodePayload(&p); err != nil {
		return protocol.Response{}, err
	}

	data := protocol.ProcessKillData{PID: p.PID, Timestamp: time.Now().Unix()}
	name, err := r.processes.KillProcess(ctx, p.PID)
	data.Name = name
	if err != nil {
		logging.FromContext(ctx).Warn("kill failed", "pid", p.PID, logging.KeyError, err)
		data.Message = killFailedMessage + ": " + err.Error()
	} else {
		logging.FromContext(ctx).Info("process killed", "pid", p.PID, "name", name)
		data.Success = true
		data.Message = killedMessage
	}
	return protocol.NewResponse(protocol.TypeProcessKillResponse, req.RequestID, data), nil
}

func processKillFailure(req protocol.Request, message string) protocol.Response {
	var p protocol.ProcessKillPayload
	_ = req.DecodePayload(&p)
	return protocol.NewResponse(protocol.TypeProcessKillResponse, req.RequestID, protocol.ProcessKillData{
		PID:       p.PID,
		Message:   killFailedMessage + ": " + message,
		Timestamp: time.Now().Unix(),
	})
}

// --- helpers ---

// payloadPath extracts payload.path for failure responses; a payload that
// does not decode yields "".
func payloadPath(req protocol.Request) string {
	var p struct {
		Path string `json:"path"`
	}
	_ = req.DecodePayload(&p)
	return p.Path
}

func nonNil(items []protocol.FileItem) []protocol.FileItem {
	if items == nil {
		return []protocol.FileItem{}
	}
	return items
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
