package bootstrap

import (
	"strings"
	"testing"

	"github.com/spiretf/dispenser/internal/config"
)

func testServer() config.Server {
	return config.Server{
		Image:    "spiretf/docker-spire-server",
		Name:     "Spire",
		TvName:   "SpireTV",
		Password: "pw",
		Rcon:     "rconpw",
		League:   "etf2l",
		Mode:     "6v6",
	}
}

func TestScript_RunsContainer(t *testing.T) {
	script := Script(testServer(), "")

	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Fatal("script must start with a shebang")
	}
	for _, want := range []string{
		"docker pull 'spiretf/docker-spire-server'",
		"docker run --name spire -d",
		"-e NAME='Spire'",
		"-e TV_NAME='SpireTV'",
		"-e PASSWORD='pw'",
		"-e RCON_PASSWORD='rconpw'",
		"-e CONFIG_LEAGUE='etf2l'",
		"-e CONFIG_MODE='6v6'",
		"-p 27015:27015",
		"mkswap /swapfile",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}
	if strings.Contains(script, "hostname ") {
		t.Error("script must not set a hostname when none is configured")
	}
}

func TestScript_SetsHostname(t *testing.T) {
	script := Script(testServer(), "play.example.com")
	if !strings.Contains(script, "hostname 'play.example.com'") {
		t.Fatal("script missing hostname command")
	}
}

func TestScript_QuotesShellMetacharacters(t *testing.T) {
	server := testServer()
	server.Password = "it's; rm -rf /"
	script := Script(server, "")

	if !strings.Contains(script, `-e PASSWORD='it'\''s; rm -rf /'`) {
		t.Fatalf("password not quoted safely:\n%s", script)
	}
}

func TestQuote(t *testing.T) {
	if got := quote("plain"); got != "'plain'" {
		t.Errorf("quote(plain) = %s", got)
	}
	if got := quote("a'b"); got != `'a'\''b'` {
		t.Errorf("quote(a'b) = %s", got)
	}
}
