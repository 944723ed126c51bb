// Package el evaluates #{...} templates against named variables.
//
// A template is literal text with embedded expressions:
//
//	user=#{username}&pass=#{password}
//	#{authResponse.status >= 200 and authResponse.status < 300}
//	#{authResponse.headers["X-Token"] != "" and authResponse.json.active}
//
// A dotted selector such as #{authResponse.headers.X-Token} yields the value
// it points at; an unknown variable is an error. Anything else is an
// expression in expr-lang syntax, with comparisons, arithmetic, and/or/not,
// matches, contains and in. Inside such an expression a hyphenated name must
// use the bracket form, headers["X-Token"]. A template made of exactly one
// expression yields the raw value, every other template yields a string.
package el

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/pointerstructure"
)

// DefaultCacheSize bounds the number of compiled expressions kept.
const DefaultCacheSize = 256

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrNotBoolean      = errors.New("expression did not produce a boolean")
	ErrEmptyExpression = errors.New("empty expression")
)

// Evaluator evaluates an expression against named variables.
type Evaluator interface {
	Evaluate(expression string, vars map[string]any) (any, error)
}

var selectorPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_-]+)*$`)

// TemplateEvaluator is the default Evaluator. It is safe for concurrent use.
type TemplateEvaluator struct {
	cache *lru.Cache[string, *vm.Program]
}

// NewTemplateEvaluator creates an evaluator caching up to cacheSize compiled
// expressions. A non-positive size selects DefaultCacheSize.
func NewTemplateEvaluator(cacheSize int) (*TemplateEvaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *vm.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("expression cache: %w", err)
	}
	return &TemplateEvaluator{cache: cache}, nil
}

func (e *TemplateEvaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	segs, err := parseTemplate(expression)
	if err != nil {
		return nil, err
	}

	switch {
	case len(segs) == 0:
		return "", nil
	case len(segs) == 1 && segs[0].expr:
		return e.evalSegment(segs[0].text, vars)
	}

	var sb strings.Builder
	for _, seg := range segs {
		if !seg.expr {
			sb.WriteString(seg.text)
			continue
		}
		val, err := e.evalSegment(seg.text, vars)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(val))
	}
	return sb.String(), nil
}

func (e *TemplateEvaluator) evalSegment(code string, vars map[string]any) (any, error) {
	if len(code) >= 2 && code[0] == '"' && code[len(code)-1] == '"' {
		if s, err := strconv.Unquote(code); err == nil {
			return s, nil
		}
	}

	switch {
	case code == "":
		return nil, ErrEmptyExpression
	case code == "true":
		return true, nil
	case code == "false":
		return false, nil
	case selectorPattern.MatchString(code):
		return lookup(vars, code)
	}

	program, err := e.compile(code)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", code, err)
	}
	return out, nil
}

func (e *TemplateEvaluator) compile(code string) (*vm.Program, error) {
	if program, ok := e.cache.Get(code); ok {
		return program, nil
	}
	program, err := expr.Compile(code)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", code, err)
	}
	e.cache.Add(code, program)
	return program, nil
}

func lookup(vars map[string]any, selector string) (any, error) {
	parts := strings.Split(selector, ".")
	if _, ok := vars[parts[0]]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVariable, parts[0])
	}

	var sb strings.Builder
	for _, p := range parts {
		sb.WriteByte('/')
		sb.WriteString(strings.NewReplacer("~", "~0", "/", "~1").Replace(p))
	}
	val, err := pointerstructure.Get(vars, sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnknownVariable, selector, err)
	}
	return val, nil
}

// Stringify renders an evaluated value as template text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// ToBool coerces an evaluated value to a boolean. Strings are parsed.
func ToBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, fmt.Errorf("%w: %q", ErrNotBoolean, val)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %T", ErrNotBoolean, v)
	}
}
