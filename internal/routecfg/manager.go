package routecfg

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/tenantgate/internal/cfg"
	"github.com/keithlinneman/tenantgate/internal/routing"
	"github.com/keithlinneman/tenantgate/internal/xerrors"
)

// Snapshot is one validated routing config and where it came from.
type Snapshot struct {
	Config   routing.Config
	Source   Source
	Hash     string
	LoadedAt time.Time
}

type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set stores a copy of s as the active snapshot.
func (m *Manager) Set(s Snapshot) {
	cp := new(Snapshot)
	*cp = s
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(cp)
}

func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil
}

// Routing returns the active config. Before the first Set every feature is
// off, so requests pass through untouched.
func (m *Manager) Routing() routing.Config {
	if s := m.active.Load(); s != nil {
		return s.Config
	}
	return routing.Config{}.WithDefaults()
}

func (m *Manager) Hash() string {
	if s := m.active.Load(); s != nil {
		return s.Hash
	}
	return ""
}

func (m *Manager) LoadedAt() time.Time {
	if s := m.active.Load(); s != nil {
		return s.LoadedAt
	}
	return time.Time{}
}

// ReadyErr fails until a config has been stored.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("routecfg: no active routing config")
	}
	return nil
}

// FromApp builds a validated config from the command line settings.
func FromApp(c cfg.App) (routing.Config, error) {
	rc := routing.Config{
		RBACEnabled:            c.EnableRBAC,
		MultitenantEnabled:     c.EnableMultitenant,
		PublicRoutePrefixes:    append([]string(nil), c.PublicRoutes...),
		ProtectedRoutePrefixes: append([]string(nil), c.ProtectedRoutes...),
		SessionCookie:          c.SessionCookie,
		LoginPath:              c.LoginPath,
		TenantRewritePrefix:    c.TenantRewritePrefix,
		RolesHeader:            c.RolesHeader,
		TenantHeader:           c.TenantHeader,
	}.WithDefaults()
	if err := rc.Validate(); err != nil {
		return routing.Config{}, xerrors.Wrap(err, "invalid routing flags")
	}
	return rc, nil
}
