package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshUser           = "root"
	sshConnectRetries = 5
	sshRetryDelay     = 5 * time.Second
)

// SSHRunner executes the bootstrap script on a freshly booted host.
type SSHRunner struct {
	config *ssh.ClientConfig
}

// NewSSHRunner builds a runner from a private key file.
func NewSSHRunner(keyPath string) (*SSHRunner, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read ssh key %q: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse ssh key %q: %w", keyPath, err)
	}

	return &SSHRunner{
		config: &ssh.ClientConfig{
			User:            sshUser,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		},
	}, nil
}

// Run connects to host and feeds the script to a remote shell. Fresh
// instances take a while to accept connections, so connecting is retried a
// bounded number of times.
func (r *SSHRunner) Run(ctx context.Context, host, script string) error {
	client, err := r.connect(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("bootstrap: ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = strings.NewReader(script)
	if output, err := session.CombinedOutput("/bin/bash -s"); err != nil {
		return fmt.Errorf("bootstrap: setup script failed: %w (output: %s)", err, output)
	}
	return nil
}

func (r *SSHRunner) connect(ctx context.Context, host string) (*ssh.Client, error) {
	addr := net.JoinHostPort(host, "22")

	var lastErr error
	for attempt := 1; attempt <= sshConnectRetries; attempt++ {
		select {
		case <-time.After(sshRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		client, err := ssh.Dial("tcp", addr, r.config)
		if err == nil {
			return client, nil
		}
		lastErr = err
		log.Printf("bootstrap: ssh connect to %s failed (attempt %d/%d): %v", addr, attempt, sshConnectRetries, err)
	}
	return nil, fmt.Errorf("bootstrap: ssh connect to %s: %w", addr, lastErr)
}
