package config

import (
	"fmt"
	"time"

	"github.com/wgrove/milterchild/internal/children"
	"github.com/wgrove/milterchild/internal/logging"
	"github.com/wgrove/milterchild/milter"
)

// BackendList adapts the configured BackendConfig list to the
// children.Backend values the multiplexer's Lifecycle dials against.
func (c *Config) BackendList() []*children.Backend {
	out := make([]*children.Backend, 0, len(c.Backends))
	for i := range c.Backends {
		out = append(out, c.Backends[i].toBackend())
	}
	return out
}

func (b *BackendConfig) toBackend() *children.Backend {
	t := children.DefaultTimeouts()
	if b.ConnectTimeout > 0 {
		t.Connect = time.Duration(b.ConnectTimeout)
	}
	if b.WriteTimeout > 0 {
		t.Write = time.Duration(b.WriteTimeout)
	}
	if b.ReadTimeout > 0 {
		t.Read = time.Duration(b.ReadTimeout)
	}
	if b.EOMTimeout > 0 {
		t.EOM = time.Duration(b.EOMTimeout)
	}
	return &children.Backend{
		Name:            b.Name,
		Network:         b.Network,
		Address:         b.Address,
		LaunchCommand:   b.LaunchCommand,
		Timeouts:        t,
		OfferedActions:  milter.OptAction(b.OfferedActions),
		OfferedProtocol: milter.OptProtocol(b.OfferedProtocol),
	}
}

// ChildrenConfig adapts the multiplexer-level tunables into a
// children.Config, resolving the symbolic Unavailable status name.
func (c *Config) ChildrenConfig() (children.Config, error) {
	cfg := children.DefaultConfig()
	cfg.RetryDelay = time.Duration(c.RetryDelay)
	cfg.PrivilegeMode = c.PrivilegeMode
	cfg.Logger = logging.Default()

	switch c.Unavailable {
	case "", "temporary-failure":
		cfg.Unavailable = children.StatusTemporaryFailure
	case "accept":
		cfg.Unavailable = children.StatusAccept
	default:
		return cfg, fmt.Errorf("config: unknown unavailable status %q", c.Unavailable)
	}
	return cfg, nil
}

// FleetCeiling computes the capability ceiling across the configured
// fleet, fed into the server's milter.WithActions/WithProtocols.
func (c *Config) FleetCeiling() children.FleetCeiling {
	return children.FleetCeilingFor(c.BackendList())
}
