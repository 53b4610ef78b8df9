// Package session holds the identity of the running session: its id, the
// server information the authority advertises, and the role this process
// plays.
package session

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/parksync/parksync/pkg/wire"
)

// Info describes the server. It is served in the welcome message and the
// query interface.
type Info struct {
	Name            string
	Description     string
	ProviderName    string
	ProviderEmail   string
	ProviderWebsite string
}

// Wire converts Info to its wire form.
func (i Info) Wire() wire.ServerInfo {
	return wire.ServerInfo{
		Name:            i.Name,
		Description:     i.Description,
		ProviderName:    i.ProviderName,
		ProviderEmail:   i.ProviderEmail,
		ProviderWebsite: i.ProviderWebsite,
	}
}

// FromWire converts the advertised server information back to Info.
func FromWire(s wire.ServerInfo) Info {
	return Info{
		Name:            s.Name,
		Description:     s.Description,
		ProviderName:    s.ProviderName,
		ProviderEmail:   s.ProviderEmail,
		ProviderWebsite: s.ProviderWebsite,
	}
}

// NewID returns a new, time-sortable session id.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// IDTime extracts the creation time encoded in a session id.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

// Context holds the current session. Peers learn the id and server
// information from the authority's welcome, so both may change after
// construction.
type Context struct {
	mu        sync.RWMutex
	id        string
	mode      string
	info      Info
	startedAt time.Time
}

// NewContext creates a Context with a fresh id.
func NewContext(mode string, info Info) *Context {
	return &Context{
		id:        NewID(),
		mode:      mode,
		info:      info,
		startedAt: time.Now(),
	}
}

// ID returns the session id.
func (c *Context) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Mode returns "authority" or "peer".
func (c *Context) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Info returns the server information.
func (c *Context) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// StartedAt returns when the session began.
func (c *Context) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// Adopt takes over the session announced by an authority.
func (c *Context) Adopt(w wire.Welcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.SessionID != "" {
		c.id = w.SessionID
		if t, err := IDTime(w.SessionID); err == nil {
			c.startedAt = t
		}
	}
	c.info = FromWire(w.Server)
}
