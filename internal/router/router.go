package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
	"github.com/bmagent/agent/internal/workerpool"
)

var log = logging.L("router")

// defaultTimeout bounds one request-shaped handler.
const defaultTimeout = 2 * time.Minute

// Sender delivers one outbound frame.
type Sender interface {
	Send(v any) error
}

// FileService is the file-access collaborator.
type FileService interface {
	ListDirectory(path string) ([]protocol.FileItem, error)
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	CreateFile(path string) error
	MakeDirectory(path string) error
	DirectoryTree(path string, depth int) ([]protocol.FileItem, error)
}

// ProcessService is the process-access collaborator.
type ProcessService interface {
	ListProcesses(ctx context.Context) ([]protocol.ProcessItem, error)
	KillProcess(ctx context.Context, pid int32) (string, error)
}

// ShellService receives shell_command sub-commands.
type ShellService interface {
	Create(id string) error
	Input(id, data string) error
	Resize(id string, cols, rows int) error
	Close(id string) error
}

// Executor runs blocking handlers off the transport's read goroutine.
// Submit reports false when the task was not accepted.
type Executor interface {
	Submit(task workerpool.Task) bool
}

// Options wires a Router to its collaborators.
type Options struct {
	Sender    Sender
	Files     FileService
	Processes ProcessService
	Shells    ShellService
	Pool      Executor

	// Version is reported in heartbeat replies.
	Version string
	// Status returns the current heartbeat status string.
	Status func() string
	// Timeout bounds each request-shaped handler; zero means the default.
	Timeout time.Duration
}

// inlineHandler runs on the caller's goroutine and sends whatever it needs
// to itself.
type inlineHandler func(r *Router, req protocol.Request, raw []byte)

// requestHandler answers a correlated request. A returned error is turned
// into the route's failure response.
type requestHandler func(r *Router, ctx context.Context, req protocol.Request) (protocol.Response, error)

// failureBuilder produces the success=false response for a request.
type failureBuilder func(req protocol.Request, message string) protocol.Response

type route struct {
	inline  inlineHandler
	handle  requestHandler
	failure failureBuilder
}

// routes is the fixed dispatch table. It is read-only after package init.
var routes = map[string]route{
	protocol.TypeHeartbeat:    {inline: handleHeartbeat},
	protocol.TypeShellCommand: {inline: handleShellCommand},

	protocol.TypeFileList:    {handle: handleFileList, failure: fileListFailure},
	protocol.TypeFileContent: {handle: handleFileContent, failure: fileContentFailure},
	protocol.TypeTree:        {handle: handleTree, failure: treeFailure},

	protocol.TypeProcessList: {handle: handleProcessList, failure: processListFailure},
	protocol.TypeProcessKill: {handle: handleProcessKill, failure: processKillFailure},
}

// Router parses inbound frames and dispatches them by type. Request-shaped
// messages run on the worker pool and always get exactly one response
// carrying the inbound request_id.
type Router struct {
	sender    Sender
	files     FileService
	processes ProcessService
	shells    ShellService
	pool      Executor
	version   string
	status    func() string
	timeout   time.Duration
}

func New(opts Options) *Router {
	r := &Router{
		sender:    opts.Sender,
		files:     opts.Files,
		processes: opts.Processes,
		shells:    opts.Shells,
		pool:      opts.Pool,
		version:   opts.Version,
		status:    opts.Status,
		timeout:   opts.Timeout,
	}
	if r.status == nil {
		r.status = func() string { return protocol.StatusOnline }
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	return r
}

// Handle dispatches one inbound text frame. It never panics and never
// blocks on collaborator I/O.
func (r *Router) Handle(raw []byte) {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		log.Warn("dropping malformed frame", logging.KeyError, err, "size", len(raw))
		return
	}

	rt, ok := routes[req.Type]
	if !ok {
		log.Warn("unknown message type", logging.KeyMessageType, req.Type)
		return
	}

	if rt.inline != nil {
		r.runInline(rt.inline, req, raw)
		return
	}
	r.dispatch(rt, req)
}

func (r *Router) runInline(h inlineHandler, req protocol.Request, raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panicked", logging.KeyMessageType, req.Type, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	h(r, req, raw)
}

// dispatch queues a request handler. A full or stopped pool still yields a
// failure response so the caller is never left waiting.
func (r *Router) dispatch(rt route, req protocol.Request) {
	if r.pool == nil {
		r.respond(rt, req)
		return
	}
	if !r.pool.Submit(func() { r.respond(rt, req) }) {
		log.Warn("request rejected, worker pool busy", logging.KeyMessageType, req.Type, logging.KeyRequestID, req.RequestID)
		r.send(rt.failure(req, "agent busy, request rejected"))
	}
}

func (r *Router) respond(rt route, req protocol.Request) {
	r.send(r.execute(rt, req))
}

// execute runs the handler and converts errors and panics into the route's
// failure response.
func (r *Router) execute(rt route, req protocol.Request) (resp protocol.Response) {
	reqLog := logging.WithRequest(log, req.RequestID, req.Type)
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	ctx = logging.NewContext(ctx, reqLog)

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			reqLog.Error("handler panicked", "panic", p, "stack", string(debug.Stack()))
			resp = rt.failure(req, fmt.Sprintf("internal error: %v", p))
		}
	}()

	resp, err := rt.handle(r, ctx, req)
	if err != nil {
		reqLog.Warn("request failed", logging.KeyError, err)
		return rt.failure(req, err.Error())
	}
	reqLog.Debug("request handled", "durationMs", time.Since(start).Milliseconds())
	return resp
}

func (r *Router) send(v any) {
	if err := r.sender.Send(v); err != nil {
		log.Warn("failed to send frame", logging.KeyError, err)
	}
}
