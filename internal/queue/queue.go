// Package queue persists the commands of QUEUED jobs as a flat text file.
package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/nexus/internal/idgen"
	"github.com/me/nexus/pkg/model"
)

// Store is the queue file: one command per line, "#" comments and blank
// lines ignored. Only QUEUED jobs are ever written; everything else
// disappears from the file at the next Save.
type Store struct {
	path   string
	newID  idgen.Generator
	logger *slog.Logger

	// stamp identifies the file content this Store last read or wrote.
	stamp fileStamp
}

type fileStamp struct {
	exists  bool
	modTime time.Time
	size    int64
}

func statFile(path string) fileStamp {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}
	}
	return fileStamp{exists: true, modTime: fi.ModTime(), size: fi.Size()}
}

// New creates a Store backed by path.
func New(path string, newID idgen.Generator, logger *slog.Logger) *Store {
	if newID == nil {
		newID = idgen.Job
	}
	return &Store{
		path:   path,
		newID:  newID,
		logger: logger.With("component", "queue"),
	}
}

// Path returns the queue file location.
func (s *Store) Path() string {
	return s.path
}

// NewID returns a fresh job id.
func (s *Store) NewID() string {
	return s.newID()
}

// Load reads the queue file and wraps every command in a fresh QUEUED job.
// IDs are regenerated on every load. A missing file is an empty queue.
func (s *Store) Load() ([]*model.Job, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.stamp = fileStamp{}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", s.path, err)
	}
	defer f.Close()

	var jobs []*model.Job
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		jobs = append(jobs, model.NewJob(s.newID(), line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read queue %s: %w", s.path, err)
	}

	s.stamp = statFile(s.path)
	s.logger.Debug("queue loaded", "jobs", len(jobs))
	return jobs, nil
}

// Save rewrites the file with the commands of the QUEUED jobs, in order.
// The write goes to a temp file in the same directory and is renamed over
// the queue, so readers never observe a partial file.
func (s *Store) Save(jobs []*model.Job) error {
	var buf bytes.Buffer
	n := 0
	for _, j := range jobs {
		if j.Status != model.JobStatusQueued {
			continue
		}
		buf.WriteString(j.Command)
		buf.WriteByte('\n')
		n++
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".jobs-*.tmp")
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("save queue: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("save queue: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("save queue: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("save queue: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("save queue: rename: %w", err)
	}

	s.stamp = statFile(s.path)
	s.logger.Debug("queue saved", "jobs", n)
	return nil
}

// Modified reports whether the file changed on disk since this Store last
// loaded or saved it, e.g. because it was edited by hand.
func (s *Store) Modified() bool {
	return statFile(s.path) != s.stamp
}

// Append adds command to the end of the queue file. Only safe while no
// daemon is rewriting the file.
func (s *Store) Append(command string) (*model.Job, error) {
	command, err := model.NormalizeCommand(command)
	if err != nil {
		return nil, err
	}
	jobs, err := s.Load()
	if err != nil {
		return nil, err
	}
	job := model.NewJob(s.newID(), command)
	jobs = append(jobs, job)
	if err := s.Save(jobs); err != nil {
		return nil, err
	}
	return job, nil
}

// Remove drops the queued job with the given id from jobs and saves.
// It reports whether a job was removed.
func (s *Store) Remove(jobs []*model.Job, id string) (bool, error) {
	kept := jobs[:0:0]
	removed := false
	for _, j := range jobs {
		if !removed && j.ID == id && j.Status == model.JobStatusQueued {
			removed = true
			continue
		}
		kept = append(kept, j)
	}
	if !removed {
		return false, nil
	}
	return true, s.Save(kept)
}
