// Package bootstrap turns a bare VM into a running game server, either via
// provider user data at boot or by pushing the same script over SSH.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/spiretf/dispenser/internal/config"
)

// portMap publishes the game, STV and alias ports of the container.
const portMap = "-p 27015:27015 -p 27021:27021 -p 27015:27015/udp -p 27020:27020/udp -p 27025:27025 " +
	"-p 28015:27015 -p 28015:27015/udp -p 27115:27015 -p 27115:27015/udp -p 27215:27015 " +
	"-p 27215:27015/udp -p 27315:27015 -p 27315:27015/udp -p 27415:27015 -p 27415:27015/udp " +
	"-p 27515:27015 -p 27515:27015/udp -p 27615:27015 -p 27615:27015/udp -p 27715:27015 " +
	"-p 27715:27015/udp -p 27815:27015 -p 27815:27015/udp -p 27915:27015 -p 27915:27015/udp"

// Script builds the startup script that pulls and runs the game server
// container, sets up swap and, when a dyndns hostname is configured, names
// the host after it.
func Script(server config.Server, hostname string) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\nset -uo pipefail\n\n")

	sb.WriteString(fmt.Sprintf("for attempt in 1 2 3 4 5; do\n  docker pull %s && break\n  sleep 2\ndone\n\n", quote(server.Image)))

	sb.WriteString("docker run --name spire -d \\\n")
	for _, env := range []struct {
		key   string
		value string
	}{
		{"NAME", server.Name},
		{"TV_NAME", server.TvName},
		{"PASSWORD", server.Password},
		{"RCON_PASSWORD", server.Rcon},
		{"DEMOSTF_APIKEY", server.DemostfKey},
		{"LOGSTF_APIKEY", server.LogstfKey},
		{"CONFIG_LEAGUE", server.League},
		{"CONFIG_MODE", server.Mode},
		{"EXTRA_CFG", server.ExtraCfg},
	} {
		sb.WriteString(fmt.Sprintf("  -e %s=%s \\\n", env.key, quote(env.value)))
	}
	sb.WriteString("  " + portMap + " \\\n")
	sb.WriteString("  " + quote(server.Image) + "\n\n")

	sb.WriteString("dd if=/dev/zero of=/swapfile bs=1M count=1024\n")
	sb.WriteString("chmod 600 /swapfile && mkswap /swapfile && swapon /swapfile\n")

	if hostname != "" {
		sb.WriteString(fmt.Sprintf("\nhostname %s\n", quote(hostname)))
	}

	return sb.String()
}

// quote single-quotes a value for the shell.
func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
