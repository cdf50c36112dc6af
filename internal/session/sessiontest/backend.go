// Package sessiontest provides an in-memory session backend for tests.
package sessiontest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/me/nexus/internal/executor"
	"github.com/me/nexus/internal/session"
)

// Created records one Create call.
type Created struct {
	Name    string
	Script  string
	Env     []string
	Overlay map[string]string
}

// Backend keeps sessions in a map. Sessions live until Terminate or Exit.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]int
	nextPID  int

	// Created lists every successful Create in order.
	Created []Created

	// CreateErr, when set for a session name, is returned by Create.
	CreateErr map[string]error
	// ListErr is returned by List when non-nil.
	ListErr error
}

var _ session.Backend = (*Backend)(nil)

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		sessions:  make(map[string]int),
		nextPID:   1000,
		CreateErr: make(map[string]error),
	}
}

// Kind returns "fake".
func (b *Backend) Kind() string { return "fake" }

// Create registers the session.
func (b *Backend) Create(_ context.Context, name, script string, env []string, overlay map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.CreateErr[name]; err != nil {
		return err
	}
	if _, ok := b.sessions[name]; ok {
		return &session.ExitError{Command: "fake create", ExitCode: 1, Output: "duplicate session: " + name}
	}
	b.nextPID++
	b.sessions[name] = b.nextPID
	b.Created = append(b.Created, Created{Name: name, Script: script, Env: env, Overlay: overlay})
	return nil
}

// List returns the live sessions sorted by name.
func (b *Backend) List(_ context.Context) ([]session.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ListErr != nil {
		return nil, b.ListErr
	}
	infos := make([]session.Info, 0, len(b.sessions))
	for name, pid := range b.sessions {
		infos = append(infos, session.Info{Name: name, PID: pid})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Terminate removes the session.
func (b *Backend) Terminate(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[name]; !ok {
		return errors.New("no such session: " + name)
	}
	delete(b.sessions, name)
	return nil
}

// ReservedPrefixes returns FAKE_.
func (b *Backend) ReservedPrefixes() []string { return []string{"FAKE_"} }

// AttachCommand returns a placeholder command.
func (b *Backend) AttachCommand(name string) executor.Command {
	return executor.Command{Name: "fake-attach", Args: []string{name}}
}

// Add registers a session that was not created through Create, as if it
// survived a daemon restart. It returns the session's pid.
func (b *Backend) Add(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPID++
	b.sessions[name] = b.nextPID
	return b.nextPID
}

// Exit ends the session as if its command finished.
func (b *Backend) Exit(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, name)
}

// Alive reports whether the session exists.
func (b *Backend) Alive(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[name]
	return ok
}

// PID returns the pid of the session, 0 if it does not exist.
func (b *Backend) PID(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[name]
}
