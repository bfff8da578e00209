package backend

import (
	"fmt"
	"sync"

	"github.com/dwn-go/store/pkg/types"
	"github.com/sirupsen/logrus"
)

// AuthScope selects which credential level a remote target signs in with.
type AuthScope string

const (
	AuthRoot      AuthScope = "root"
	AuthNamespace AuthScope = "namespace"
)

// Target is a parsed connection target. The scheme selects the backend
// strategy at construction time; remote fields are populated only for
// host-carrying targets.
type Target struct {
	Scheme   string
	Path     string // filesystem path for embedded backends
	Host     string // host:port for remote backends
	Username string
	Password string
	// Namespace is the remote server-side namespace the tenant namespaces
	// nest under.
	Namespace string
	Auth      AuthScope
}

// Options carries construction knobs shared by all backends.
type Options struct {
	// MinimumFreeGB refuses to open an on-disk backend with less free
	// space than this. Zero disables the guard.
	MinimumFreeGB int
	Logger        *logrus.Logger
}

// Opener constructs a backend for one URI scheme.
type Opener func(target Target, opts Options) (Backend, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register installs an Opener for a scheme. Drivers register from init;
// a duplicate scheme panics, mirroring database/sql.
func Register(scheme string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if _, dup := openers[scheme]; dup {
		panic(fmt.Sprintf("backend: scheme %q registered twice", scheme))
	}
	openers[scheme] = o
}

// Open dispatches to the registered Opener for target.Scheme.
func Open(target Target, opts Options) (Backend, error) {
	openersMu.RLock()
	o, ok := openers[target.Scheme]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered for scheme %q: %w", target.Scheme, types.ErrConnection)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return o(target, opts)
}
