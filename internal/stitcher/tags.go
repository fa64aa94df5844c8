package stitcher

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

// Kind is the closed set of reliability transformations.
type Kind int

const (
	KindSafeCall Kind = iota + 1
	KindRetry
	KindTimed
	KindObservable
	KindAtomic
	KindLogIO
	KindTimeout
)

var kindNames = map[Kind]string{
	KindSafeCall:   "safe_call",
	KindRetry:      "retry",
	KindTimed:      "timed",
	KindObservable: "observable",
	KindAtomic:     "atomic",
	KindLogIO:      "log_io",
	KindTimeout:    "timeout",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Defaults applied when a parameterized tag omits a parameter.
const (
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 1.0
	DefaultTimeoutSeconds = 30.0
)

// Tag is one declared reliability transformation. Only the fields belonging
// to Kind are meaningful: Attempts and Delay for KindRetry, Seconds for
// KindTimeout.
type Tag struct {
	Kind     Kind
	Attempts int
	Delay    float64
	Seconds  float64
}

func SafeCall() Tag { return Tag{Kind: KindSafeCall} }

func Timed() Tag { return Tag{Kind: KindTimed} }

func Observable() Tag { return Tag{Kind: KindObservable} }

func Atomic() Tag { return Tag{Kind: KindAtomic} }

func LogIO() Tag { return Tag{Kind: KindLogIO} }

func Retry(attempts int, delay float64) Tag {
	return Tag{Kind: KindRetry, Attempts: attempts, Delay: delay}
}

func Timeout(seconds float64) Tag {
	return Tag{Kind: KindTimeout, Seconds: seconds}
}

// String renders the canonical tag line.
func (t Tag) String() string {
	switch t.Kind {
	case KindRetry:
		return fmt.Sprintf("retry(attempts=%d, delay=%s)", t.Attempts, formatFloat(t.Delay))
	case KindTimeout:
		return fmt.Sprintf("timeout(seconds=%s)", formatFloat(t.Seconds))
	default:
		return t.Kind.String()
	}
}

func (t Tag) validate() error {
	switch t.Kind {
	case KindRetry:
		if t.Attempts < 1 {
			return &pipeline.MalformedSpecification{Tag: t.Kind.String(), Reason: "attempts must be >= 1"}
		}
		if t.Delay < 0 {
			return &pipeline.MalformedSpecification{Tag: t.Kind.String(), Reason: "delay cannot be negative"}
		}
	case KindTimeout:
		if t.Seconds <= 0 {
			return &pipeline.MalformedSpecification{Tag: t.Kind.String(), Reason: "seconds must be positive"}
		}
	case KindSafeCall, KindTimed, KindObservable, KindAtomic, KindLogIO:
	default:
		return &pipeline.MalformedSpecification{Tag: t.Kind.String(), Reason: "no known transformation"}
	}
	return nil
}

// paramOrder lists accepted parameters per kind, in positional order.
var paramOrder = map[Kind][]string{
	KindRetry:   {"attempts", "delay"},
	KindTimeout: {"seconds"},
}

var tagLine = regexp.MustCompile(`^@?([A-Za-z_][A-Za-z0-9_]*)\s*(?:\((.*)\))?$`)

// ParseTag parses one tag line such as "retry(attempts=3, delay=0.5)".
// Unknown names, unknown parameters and ill-typed values are rejected here
// rather than at composition time.
func ParseTag(line string) (Tag, error) {
	line = strings.TrimSpace(line)
	m := tagLine.FindStringSubmatch(line)
	if m == nil {
		return Tag{}, &pipeline.MalformedSpecification{Tag: line, Reason: "not a tag expression"}
	}
	name := strings.ToLower(m[1])
	kind, ok := kindsByName[name]
	if !ok {
		return Tag{}, &pipeline.MalformedSpecification{Tag: name, Reason: "no known transformation"}
	}

	tag := Tag{Kind: kind}
	switch kind {
	case KindRetry:
		tag.Attempts, tag.Delay = DefaultRetryAttempts, DefaultRetryDelay
	case KindTimeout:
		tag.Seconds = DefaultTimeoutSeconds
	}

	args := strings.TrimSpace(m[2])
	if args == "" {
		return tag, tag.validate()
	}

	allowed := paramOrder[kind]
	for i, raw := range strings.Split(args, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, value, named := strings.Cut(raw, "=")
		if named {
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		} else {
			if i >= len(allowed) {
				return Tag{}, &pipeline.MalformedSpecification{Tag: name, Reason: "too many arguments"}
			}
			key, value = allowed[i], raw
		}
		if err := tag.set(key, value); err != nil {
			return Tag{}, err
		}
	}
	return tag, tag.validate()
}

func (t *Tag) set(key, value string) error {
	bad := func(reason string) error {
		return &pipeline.MalformedSpecification{Tag: t.Kind.String(), Reason: reason}
	}
	switch {
	case t.Kind == KindRetry && key == "attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return bad(fmt.Sprintf("attempts must be an integer, got %q", value))
		}
		t.Attempts = n
	case t.Kind == KindRetry && key == "delay":
		f, err := parseNumber(value)
		if err != nil {
			return bad(fmt.Sprintf("delay must be a number, got %q", value))
		}
		t.Delay = f
	case t.Kind == KindTimeout && key == "seconds":
		f, err := parseNumber(value)
		if err != nil {
			return bad(fmt.Sprintf("seconds must be a number, got %q", value))
		}
		t.Seconds = f
	default:
		return bad(fmt.Sprintf("unknown parameter %q", key))
	}
	return nil
}

// parseNumber accepts finite decimal numbers only.
func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite")
	}
	return f, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
