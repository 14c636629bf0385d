package lifecycle

import (
	"context"
	"time"

	"github.com/spiretf/dispenser/internal/dns"
	"github.com/spiretf/dispenser/internal/rcon"
)

// RconProbe queries player counts over a fresh RCON connection per probe.
type RconProbe struct {
	Password string
	Timeout  time.Duration
}

func (p *RconProbe) PlayerCount(ctx context.Context, addr string) (int, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := rcon.Dial(ctx, addr, p.Password)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return client.PlayerCount()
}

// DynDnsUpdater binds a dyndns client to the configured hostname.
type DynDnsUpdater struct {
	Client   *dns.Client
	Hostname string
}

func (u *DynDnsUpdater) Update(ctx context.Context, ip string) error {
	return u.Client.Update(ctx, u.Hostname, ip)
}
