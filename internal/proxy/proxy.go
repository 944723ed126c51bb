// Package proxy resolves the system proxy from node properties and installs it
// on an HTTP transport.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Property keys read by Resolve.
const (
	KeyHost     = "system.proxy.host"
	KeyPort     = "system.proxy.port"
	KeyType     = "system.proxy.type"
	KeyUsername = "system.proxy.username"
	KeyPassword = "system.proxy.password"
)

// Type is the proxy protocol.
type Type string

const (
	TypeHTTP   Type = "HTTP"
	TypeSOCKS4 Type = "SOCKS4"
	TypeSOCKS5 Type = "SOCKS5"
)

// ParseType accepts HTTP, SOCKS4 and SOCKS5, case-insensitively.
func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TypeHTTP, TypeSOCKS4, TypeSOCKS5:
		return t, nil
	default:
		return "", fmt.Errorf("unknown proxy type %q", raw)
	}
}

// PropertySource is the read side of the node property store. *viper.Viper
// satisfies it.
type PropertySource interface {
	IsSet(key string) bool
	GetString(key string) string
}

// Options is a fully validated proxy configuration.
type Options struct {
	Type     Type
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns host:port of the proxy.
func (o *Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o *Options) String() string {
	if o == nil {
		return "none"
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(string(o.Type)), o.Address())
}

// Resolve builds proxy options from props. Resolution is all-or-nothing: if
// any required property is missing or malformed a single warning naming the
// target and every problem is logged and nil is returned.
func Resolve(props PropertySource, target string, logger *slog.Logger) *Options {
	if logger == nil {
		logger = slog.Default()
	}
	opts, problems := parse(props)
	if len(problems) > 0 {
		logger.Warn("system proxy is required but missing or not well defined, ignoring system proxy",
			"target", target,
			"problems", strings.Join(problems, ", "))
		return nil
	}
	return opts
}

func parse(props PropertySource) (*Options, []string) {
	if props == nil {
		return nil, []string{"no property source"}
	}

	var problems []string
	opts := &Options{}

	if host := strings.TrimSpace(props.GetString(KeyHost)); props.IsSet(KeyHost) && host != "" {
		opts.Host = host
	} else {
		problems = append(problems, fmt.Sprintf("'%s'", KeyHost))
	}

	rawPort := strings.TrimSpace(props.GetString(KeyPort))
	port, err := strconv.Atoi(rawPort)
	if !props.IsSet(KeyPort) || err != nil || port <= 0 || port > 65535 {
		problems = append(problems, fmt.Sprintf("'%s' [%s]", KeyPort, rawPort))
	} else {
		opts.Port = port
	}

	rawType := props.GetString(KeyType)
	typ, err := ParseType(rawType)
	if !props.IsSet(KeyType) || err != nil {
		problems = append(problems, fmt.Sprintf("'%s' [%s]", KeyType, rawType))
	} else {
		opts.Type = typ
	}

	opts.Username = props.GetString(KeyUsername)
	opts.Password = props.GetString(KeyPassword)

	if len(problems) > 0 {
		return nil, problems
	}
	return opts, nil
}

// Configure routes transport through the proxy. A nil receiver leaves the
// transport untouched. dialer is used to reach the proxy itself.
func (o *Options) Configure(transport *http.Transport, dialer *net.Dialer) error {
	if o == nil {
		return nil
	}
	if transport == nil {
		return errors.New("transport cannot be nil")
	}
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}

	switch o.Type {
	case TypeHTTP:
		proxyURL := &url.URL{Scheme: "http", Host: o.Address()}
		if o.Username != "" {
			proxyURL.User = url.UserPassword(o.Username, o.Password)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		return nil

	case TypeSOCKS5:
		var auth *xproxy.Auth
		if o.Username != "" {
			auth = &xproxy.Auth{User: o.Username, Password: o.Password}
		}
		d, err := xproxy.SOCKS5("tcp", o.Address(), auth, dialer)
		if err != nil {
			return fmt.Errorf("socks5 proxy: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return errors.New("socks5 proxy: dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = cd.DialContext
		return nil

	case TypeSOCKS4:
		transport.Proxy = nil
		transport.DialContext = socks4DialContext(o.Address(), dialer.Timeout)
		return nil

	default:
		return fmt.Errorf("unknown proxy type %q", o.Type)
	}
}
