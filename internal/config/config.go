package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Method is the HTTP verb a resource probes with.
type Method string

const (
	MethodConnect Method = "CONNECT"
	MethodDelete  Method = "DELETE"
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodPatch   Method = "PATCH"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodTrace   Method = "TRACE"
	MethodOther   Method = "OTHER"
)

var (
	ErrMissingURL        = errors.New("url is required")
	ErrMissingCondition  = errors.New("condition is required")
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrMissingCustomVerb = errors.New("customMethod is required when method is OTHER")
	ErrUnsupportedScheme = errors.New("url scheme must be http or https")
	ErrRelativeTargetURL = errors.New("url must be absolute")
	errInvalidHeaderName = errors.New("invalid header name")
	errInvalidCustomVerb = errors.New("invalid customMethod")
)

// ParseMethod normalizes a configured method. An empty value defaults to GET.
func ParseMethod(raw string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(raw)))
	switch m {
	case "":
		return MethodGet, nil
	case MethodConnect, MethodDelete, MethodGet, MethodHead, MethodOptions,
		MethodPatch, MethodPost, MethodPut, MethodTrace, MethodOther:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedMethod, raw)
	}
}

// Verb maps the method onto the verb sent on the wire. OTHER resolves to custom.
func (m Method) Verb(custom string) (string, error) {
	switch m {
	case MethodConnect:
		return http.MethodConnect, nil
	case MethodDelete:
		return http.MethodDelete, nil
	case MethodGet:
		return http.MethodGet, nil
	case MethodHead:
		return http.MethodHead, nil
	case MethodOptions:
		return http.MethodOptions, nil
	case MethodPatch:
		return http.MethodPatch, nil
	case MethodPost:
		return http.MethodPost, nil
	case MethodPut:
		return http.MethodPut, nil
	case MethodTrace:
		return http.MethodTrace, nil
	case MethodOther:
		verb := strings.ToUpper(strings.TrimSpace(custom))
		if verb == "" {
			return "", ErrMissingCustomVerb
		}
		if !validToken(verb) {
			return "", fmt.Errorf("%w %q", errInvalidCustomVerb, custom)
		}
		return verb, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedMethod, string(m))
	}
}

// Header is one configured request header. Value is a template expression.
type Header struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Resource is the declarative definition of an HTTP authentication provider.
type Resource struct {
	URL                  string   `yaml:"url" json:"url"`
	Method               Method   `yaml:"method" json:"method"`
	CustomMethod         string   `yaml:"customMethod" json:"customMethod"`
	Headers              []Header `yaml:"headers" json:"headers"`
	Body                 string   `yaml:"body" json:"body"`
	Condition            string   `yaml:"condition" json:"condition"`
	UseSystemProxy       bool     `yaml:"useSystemProxy" json:"useSystemProxy"`
	MaxRequestsPerSecond int      `yaml:"maxRequestsPerSecond" json:"maxRequestsPerSecond"`
}

// Target is the connection target derived once from the configured URL.
type Target struct {
	URL  *url.URL
	Host string
	Port int
	TLS  bool
}

// Address returns host:port of the target.
func (t Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ParseTarget derives host, port and TLS mode from an absolute http(s) URL.
// Missing ports default to 80 and 443.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Target{}, fmt.Errorf("%w: %q", ErrRelativeTargetURL, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	var tls bool
	switch scheme {
	case "http":
	case "https":
		tls = true
	default:
		return Target{}, fmt.Errorf("%w, got %q", ErrUnsupportedScheme, u.Scheme)
	}

	port := 80
	if tls {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("url: invalid port %q", p)
		}
	}

	return Target{URL: u, Host: u.Hostname(), Port: port, TLS: tls}, nil
}

// ValidationError collects every problem found in a Resource. It unwraps to
// the individual errors, so errors.Is matches sentinels such as
// ErrUnsupportedMethod.
type ValidationError struct {
	issues []error
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.issues))
	for i, err := range e.issues {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Issues returns the problem descriptions in the order they were found.
func (e ValidationError) Issues() []string {
	msgs := make([]string, len(e.issues))
	for i, err := range e.issues {
		msgs[i] = err.Error()
	}
	return msgs
}

func (e ValidationError) Unwrap() []error {
	return append([]error(nil), e.issues...)
}

// Validate reports every configuration problem at once.
func (r Resource) Validate() error {
	var issues []error

	if _, err := ParseTarget(r.URL); err != nil {
		issues = append(issues, err)
	}

	method, err := ParseMethod(string(r.Method))
	if err != nil {
		issues = append(issues, err)
	} else if _, err := method.Verb(r.CustomMethod); err != nil {
		issues = append(issues, err)
	}

	if strings.TrimSpace(r.Condition) == "" {
		issues = append(issues, ErrMissingCondition)
	}

	for idx, h := range r.Headers {
		name := strings.TrimSpace(h.Name)
		if name == "" || !validToken(name) {
			issues = append(issues, fmt.Errorf("headers[%d]: %w %q", idx, errInvalidHeaderName, h.Name))
		}
	}

	if r.MaxRequestsPerSecond < 0 {
		issues = append(issues, errors.New("maxRequestsPerSecond must be >= 0"))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// validToken reports whether s is an RFC 7230 token.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= 0x7f || r <= 0x20 {
			return false
		}
		if strings.ContainsRune(`()<>@,;:\"/[]?={}`, r) {
			return false
		}
	}
	return true
}
