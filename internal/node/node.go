// Package node describes the process hosting the authentication provider.
package node

import (
	"fmt"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/httpauth/internal/config"
)

// Node identifies the hosting process.
type Node struct {
	ID       string
	Name     string
	Version  string
	Hostname string
}

// New builds a Node from loaded settings. A missing id is generated.
func New(cfg config.Node) Node {
	n := Node{
		ID:      strings.TrimSpace(cfg.ID),
		Name:    strings.TrimSpace(cfg.Name),
		Version: strings.TrimSpace(cfg.Version),
	}
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.Name == "" {
		n.Name = "httpauth"
	}
	if n.Version == "" {
		n.Version = "dev"
	}
	if host, err := os.Hostname(); err == nil {
		n.Hostname = host
	}
	return n
}

// UserAgent is sent with every outbound request, e.g.
// "httpauth/1.2.0 (edge-1; 01J...)".
func (n Node) UserAgent() string {
	if n.Hostname == "" {
		return fmt.Sprintf("%s/%s (%s)", n.Name, n.Version, n.ID)
	}
	return fmt.Sprintf("%s/%s (%s; %s)", n.Name, n.Version, n.Hostname, n.ID)
}
