package recovery

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcessTable reads the environment and parentage of live processes.
type ProcessTable interface {
	Environ(pid int) ([]string, error)
	Children(pid int) ([]int, error)
}

// ProcFS is a ProcessTable backed by a mounted /proc.
type ProcFS struct {
	fs procfs.FS
}

// NewProcFS opens the proc filesystem at mountPoint ("" for /proc).
func NewProcFS(mountPoint string) (*ProcFS, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", mountPoint, err)
	}
	return &ProcFS{fs: fs}, nil
}

// Environ returns the initial environment of pid as KEY=VALUE strings.
func (p *ProcFS) Environ(pid int) ([]string, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return proc.Environ()
}

// Children returns the pids whose parent is pid.
func (p *ProcFS) Children(pid int) ([]int, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	var children []int
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// Exited between the directory scan and the read.
			continue
		}
		if stat.PPID == pid {
			children = append(children, proc.PID)
		}
	}
	return children, nil
}
