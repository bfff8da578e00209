// Package connection owns the lazily established, reconnectable handle to
// the backing database. One Manager is shared by every store built from the
// same Connect call; reconnecting is a distinct, serialized operation and
// never changes the handle's identity mid-flight for concurrent readers.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dwn-go/store/internal/backend"
	"github.com/dwn-go/store/pkg/types"
)

// ParseTarget parses a connection target URI. Recognized shapes:
//
//	mem://
//	badger:///var/lib/dwn
//	<remote>://user:password@host:port/namespace?auth=root|namespace
//
// The scheme alone selects the backend strategy; unknown schemes surface
// as a connection error at open time, not here.
func ParseTarget(target string) (backend.Target, error) {
	u, err := url.Parse(target)
	if err != nil {
		return backend.Target{}, fmt.Errorf("parsing target %q: %v: %w", target, err, types.ErrConnection)
	}
	if u.Scheme == "" {
		return backend.Target{}, fmt.Errorf("target %q carries no scheme: %w", target, types.ErrConnection)
	}

	t := backend.Target{Scheme: u.Scheme}
	switch u.Scheme {
	case "mem":
		return t, nil
	case "badger":
		t.Path = u.Path
		if u.Host != "" { // badger://relative/path
			t.Path = u.Host + u.Path
		}
		if t.Path == "" {
			return backend.Target{}, fmt.Errorf("badger target %q carries no path: %w", target, types.ErrConnection)
		}
		return t, nil
	}

	// remote target
	t.Host = u.Host
	t.Namespace = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	switch scope := u.Query().Get("auth"); scope {
	case "", string(backend.AuthNamespace):
		t.Auth = backend.AuthNamespace
	case string(backend.AuthRoot):
		t.Auth = backend.AuthRoot
	default:
		return backend.Target{}, fmt.Errorf("unknown auth scope %q: %w", scope, types.ErrConnection)
	}
	if t.Host == "" {
		return backend.Target{}, fmt.Errorf("remote target %q carries no host: %w", target, types.ErrConnection)
	}
	return t, nil
}

// Manager hands out the shared backend handle, opening it on first use.
type Manager struct {
	target backend.Target
	opts   backend.Options
	log    *logrus.Logger

	mu sync.Mutex
	db backend.Backend
}

func NewManager(target backend.Target, opts backend.Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Manager{target: target, opts: opts, log: opts.Logger}
}

// DB returns the backend, establishing the connection if none is live.
func (m *Manager) DB(ctx context.Context) (backend.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.OpErr(ctx, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}
	db, err := backend.Open(m.target, m.opts)
	if err != nil {
		return nil, err
	}
	m.log.WithField("scheme", m.target.Scheme).Info("backend connected")
	m.db = db
	return m.db, nil
}

// Reconnect drops the current handle and establishes a fresh one. It is
// serialized against DB and concurrent Reconnect calls.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.log.WithError(err).Warn("closing stale backend handle")
		}
		m.db = nil
	}
	db, err := backend.Open(m.target, m.opts)
	if err != nil {
		return err
	}
	m.db = db
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
