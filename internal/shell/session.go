package shell

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bmagent/agent/internal/logging"
	"github.com/bmagent/agent/internal/protocol"
)

const readChunkSize = 4096

type session struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File

	mu     sync.Mutex
	buffer []rune

	closed   atomic.Bool
	killOnce sync.Once
}

// spawn starts the shell with stdout and stderr sharing one pipe so that
// the client sees them interleaved as a terminal would.
func (m *Manager) spawn(id string) (*session, error) {
	if len(m.command) == 0 {
		return nil, errors.New("no shell command configured")
	}

	cmd := exec.Command(m.command[0], m.command[1:]...)
	cmd.Dir = m.dir
	cmd.Env = append(os.Environ(), "TERM=dumb")
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, in, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	cmd.Stdout = in
	cmd.Stderr = in

	if err := cmd.Start(); err != nil {
		stdin.Close()
		out.Close()
		in.Close()
		return nil, err
	}
	// The child holds its own copy of the write end; EOF on out means the
	// shell and everything it spawned are done writing.
	in.Close()

	return &session{id: id, cmd: cmd, stdin: stdin, output: out}, nil
}

// terminate kills the shell's process group and closes its stdin. Output
// read after this point is discarded.
func (s *session) terminate() {
	s.closed.Store(true)
	s.killOnce.Do(func() {
		if err := killTree(s.cmd); err != nil {
			log.Debug("shell kill failed", logging.KeySessionID, s.id, logging.KeyError, err)
		}
		s.stdin.Close()
	})
}

// readLoop forwards shell output until EOF, then tears the session down.
// Chunks never split a UTF-8 sequence: an incomplete tail is held back and
// prefixed to the next read.
func (m *Manager) readLoop(s *session) {
	buf := make([]byte, readChunkSize)
	var pending []byte

	for {
		n, err := s.output.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			cut := completePrefix(chunk)
			pending = append([]byte(nil), chunk[cut:]...)
			if cut > 0 && !s.closed.Load() {
				m.send(protocol.NewShellOutput(s.id, string(chunk[:cut])))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("shell output read failed", logging.KeySessionID, s.id, logging.KeyError, err)
			}
			break
		}
	}
	if len(pending) > 0 && !s.closed.Load() {
		m.send(protocol.NewShellOutput(s.id, string(pending)))
	}

	current := m.detach(s)
	s.terminate()
	s.output.Close()
	waitErr := s.cmd.Wait()

	if current {
		m.send(protocol.NewShellClosed(s.id, closedMessage))
		log.Info("shell exited", logging.KeySessionID, s.id, "status", exitStatus(waitErr))
	}
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}
