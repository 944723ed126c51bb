// Package feeder supplies the credentials a probe run authenticates with.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNoCredentials = errors.New("no credentials")
	errNoUsername    = errors.New("username is empty")
)

// Credential is one username and password pair.
type Credential struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// String never includes the password.
func (c Credential) String() string {
	return c.Username
}

// Feeder hands out credentials. Implementations must be safe for concurrent
// use.
type Feeder interface {
	// Next returns the next credential.
	Next(ctx context.Context) (Credential, error)

	// Len returns the number of distinct credentials.
	Len() int
}

// List cycles through a fixed set of credentials in order.
type List struct {
	mu    sync.Mutex
	creds []Credential
	index int
}

// NewList validates creds and returns a feeder that repeats them forever.
func NewList(creds []Credential) (*List, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	for i, c := range creds {
		if strings.TrimSpace(c.Username) == "" {
			return nil, fmt.Errorf("credential %d: %w", i+1, errNoUsername)
		}
	}
	return &List{creds: append([]Credential(nil), creds...)}, nil
}

// Single returns a feeder that always yields one credential.
func Single(username, password string) (*List, error) {
	return NewList([]Credential{{Username: username, Password: password}})
}

func (l *List) Next(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.creds[l.index]
	l.index = (l.index + 1) % len(l.creds)
	return c, nil
}

func (l *List) Len() int {
	return len(l.creds)
}

// Load reads credentials from path. A .csv file needs a header row with
// username and password columns; any other file is decoded as a YAML or JSON
// list of {username, password} objects.
func Load(path string) (*List, error) {
	var (
		creds []Credential
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		creds, err = readCSV(path)
	default:
		creds, err = readStructured(path)
	}
	if err != nil {
		return nil, err
	}
	list, err := NewList(creds)
	if err != nil {
		return nil, fmt.Errorf("credentials %q: %w", path, err)
	}
	return list, nil
}
