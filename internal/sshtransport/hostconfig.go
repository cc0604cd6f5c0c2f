package sshtransport

import (
	"fmt"
	"os"
	"strconv"

	ssh_config "github.com/kevinburke/ssh_config"
)

// DefaultPort is used when neither the request nor the ssh config names one.
const DefaultPort = 22

// HostResolver applies HostName and Port entries from an OpenSSH client
// config file, so operators can publish short aliases ("db1") to browsers.
// A nil *HostResolver resolves hosts unchanged.
type HostResolver struct {
	cfg *ssh_config.Config
}

// LoadHostResolver parses the ssh config file at path.
func LoadHostResolver(path string) (*HostResolver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return &HostResolver{cfg: cfg}, nil
}

// Resolve returns the address to dial for the requested host and port. An
// explicit port always wins; port 0 falls back to the config, then 22.
func (r *HostResolver) Resolve(host string, port int) (string, int) {
	if r == nil || r.cfg == nil {
		if port == 0 {
			port = DefaultPort
		}
		return host, port
	}

	hostname := host
	if h, err := r.cfg.Get(host, "HostName"); err == nil && h != "" {
		hostname = h
	}
	if port == 0 {
		port = DefaultPort
		if p, err := r.cfg.Get(host, "Port"); err == nil && p != "" {
			if n, err := strconv.Atoi(p); err == nil && n > 0 && n <= 65535 {
				port = n
			}
		}
	}
	return hostname, port
}
