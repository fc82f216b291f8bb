package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bmagent/agent/internal/protocol"
)

var ErrInvalidPID = errors.New("invalid pid")

// Processes enumerates and terminates host processes through gopsutil.
type Processes struct{}

// ListProcesses returns every process the agent can see, ordered by pid.
// Fields that cannot be read (permissions, races with exit) are left empty.
func (Processes) ListProcesses(ctx context.Context) ([]protocol.ProcessItem, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}

	items := make([]protocol.ProcessItem, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, ok := processItem(ctx, p)
		if !ok {
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].PID < items[j].PID })
	return items, nil
}

func processItem(ctx context.Context, p *process.Process) (protocol.ProcessItem, bool) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return protocol.ProcessItem{}, false
	}

	item := protocol.ProcessItem{
		PID:    p.Pid,
		Name:   name,
		Status: "Unknown",
	}

	if ppid, err := p.PpidWithContext(ctx); err == nil {
		item.PPID = ppid
	}
	if username, err := p.UsernameWithContext(ctx); err == nil {
		item.Username = username
	}
	if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		item.Memory = memInfo.RSS
	}
	if cpuPercent, err := p.CPUPercentWithContext(ctx); err == nil {
		item.CPU = cpuPercent
	}
	if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
		item.Status = statusLabel(status[0])
	}

	item.Cmdline = name
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		item.Cmdline = cmdline
	}
	return item, true
}

// statusLabel turns gopsutil's state names into the labels the server shows.
func statusLabel(s string) string {
	switch s {
	case process.Running:
		return "Running"
	case process.Sleep:
		return "Sleeping"
	case process.Blocked:
		return "Disk Sleep"
	case process.Stop:
		return "Stopped"
	case process.Zombie:
		return "Zombie"
	case process.Idle:
		return "Idle"
	case process.Wait:
		return "Waiting"
	case process.Lock:
		return "Locked"
	case "":
		return "Unknown"
	default:
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

// KillProcess sends SIGKILL to pid and returns the process name. The agent
// refuses to kill itself.
func (Processes) KillProcess(ctx context.Context, pid int32) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("%d: %w", pid, ErrInvalidPID)
	}
	if int(pid) == os.Getpid() {
		return "", fmt.Errorf("refusing to kill the agent process %d", pid)
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", fmt.Errorf("process not found: %w", err)
	}

	name, _ := p.NameWithContext(ctx)
	if err := p.KillWithContext(ctx); err != nil {
		return name, fmt.Errorf("kill process %d (%s): %w", pid, name, err)
	}
	return name, nil
}
