package ptyproc

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty/v2"
)

// envPrefixesToStrip mirrors internal/tmux's list: an attach-session child
// must not inherit identifiers from an enclosing multiplexer client.
var envPrefixesToStrip = []string{"TMUX", "TMUX_PANE"}

func strippedEnv() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		strip := false
		for _, prefix := range envPrefixesToStrip {
			if len(kv) > len(prefix) && kv[:len(prefix)+1] == prefix+"=" {
				strip = true
				break
			}
		}
		if !strip {
			out = append(out, kv)
		}
	}
	return append(out, "TERM=xterm-256color")
}

// CreackFactory spawns "tmux attach-session -t <name>" under a real PTY via
// creack/pty. The session name is always a distinct argv element, never
// interpolated into a shell string.
type CreackFactory struct {
	Bin string // defaults to "tmux"
}

func NewCreackFactory() *CreackFactory {
	return &CreackFactory{Bin: "tmux"}
}

func (f *CreackFactory) SpawnAttach(sessionName string) (Process, error) {
	bin := f.Bin
	if bin == "" {
		bin = "tmux"
	}
	cmd := exec.Command(bin, "attach-session", "-t", sessionName)
	cmd.Env = strippedEnv()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: DefaultCols, Rows: DefaultRows})
	if err != nil {
		return nil, err
	}

	p := &creackProcess{
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

type creackProcess struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu        sync.Mutex
	onData    func([]byte)
	onExit    func(error)
	killed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func (p *creackProcess) Write(data []byte) error {
	_, err := p.ptmx.Write(data)
	return err
}

func (p *creackProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *creackProcess) OnData(handler func(data []byte)) {
	p.mu.Lock()
	p.onData = handler
	p.mu.Unlock()
}

func (p *creackProcess) OnExit(handler func(err error)) {
	p.mu.Lock()
	p.onExit = handler
	p.mu.Unlock()
}

func (p *creackProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *creackProcess) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.mu.Lock()
			handler := p.onData
			p.mu.Unlock()
			if handler != nil {
				handler(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *creackProcess) waitLoop() {
	err := p.cmd.Wait()
	_ = p.ptmx.Close()
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	killed := p.killed
	handler := p.onExit
	p.mu.Unlock()

	if killed {
		err = nil
	}
	if handler != nil {
		handler(err)
	}
}
