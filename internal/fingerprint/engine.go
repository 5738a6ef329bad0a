// Package fingerprint turns exception-bearing log events into canonical
// signatures used as cluster keys. The engine is pure and stateless:
// the same event always yields the same signature.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/fidde/exception_clusterer/pkg/models"
)

// DefaultTopFrames is how many top-of-stack frames contribute to the
// signature. Deeper frames add noise without adding discrimination.
const DefaultTopFrames = 5

// Fingerprint is the canonical identity of an exception occurrence.
type Fingerprint struct {
	ExceptionType string
	Signature     string
	ClusterID     string
}

// Engine computes fingerprints from log events.
type Engine struct {
	patterns  []CompiledPattern
	topFrames int
}

// Option configures an Engine.
type Option func(*Engine)

// WithPatterns overrides the masking pattern set.
func WithPatterns(patterns []CompiledPattern) Option {
	return func(e *Engine) { e.patterns = patterns }
}

// WithTopFrames overrides how many stack frames feed the signature.
func WithTopFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.topFrames = n
		}
	}
}

// New creates a fingerprint engine with the default masking rules.
func New(opts ...Option) *Engine {
	e := &Engine{
		patterns:  DefaultPatterns(),
		topFrames: DefaultTopFrames,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exception type extraction, attempted in order.
var (
	// Fully qualified class at the start of a stack trace line,
	// e.g. "java.lang.NullPointerException: ..." or
	// "com.example.FooError".
	qualifiedExcRe = regexp.MustCompile(`(?m)^\s*((?:[A-Za-z_][\w$]*\.)+[A-Za-z_][\w$]*(?:Exception|Error))\b`)

	// Python traceback terminator, e.g. "ValueError: bad input".
	pythonExcRe = regexp.MustCompile(`(?m)^([A-Za-z_][\w.]*(?:Error|Exception))\s*:`)

	// Any *Exception / *Error token, the loosest match.
	genericExcRe = regexp.MustCompile(`\b([A-Z][A-Za-z0-9_]*(?:Exception|Error))\b`)

	panicRe     = regexp.MustCompile(`(?m)^panic:`)
	tracebackRe = regexp.MustCompile(`Traceback \(most recent call last\)`)
)

// Stack frame shapes, attempted in order per line.
var (
	// Java/JVM: "at com.example.Foo.bar(Foo.java:42)"
	javaFrameRe = regexp.MustCompile(`^\s*at\s+([\w$.<>]+)\(([\w.]+)(?::(\d+))?\)`)

	// Python: `File "/app/worker.py", line 88, in handle`
	pythonFrameRe = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+), in (\S+)`)

	// Go and similar "path/file.ext:123" references.
	fileLineRe = regexp.MustCompile(`([\w./\\-]+\.(?:go|py|rb|js|ts|java|kt|cs|php|c|cc|cpp|rs)):(\d+)`)
)

var frameDigitsRe = regexp.MustCompile(`\d+`)

// Compute derives the fingerprint for an event, or ok=false when the
// event carries no exception indicator.
func (e *Engine) Compute(event *models.LogEvent) (Fingerprint, bool) {
	excType := e.exceptionType(event)
	if excType == "" {
		return Fingerprint{}, false
	}

	frames := e.topStackFrames(event.StackTrace)
	message := event.ExceptionMessage
	if message == "" {
		message = event.Message
	}

	var sb strings.Builder
	sb.WriteString(excType)
	sb.WriteByte('|')
	sb.WriteString(strings.Join(frames, ";"))
	sb.WriteByte('|')
	sb.WriteString(e.Mask(firstLine(message)))

	signature := sb.String()
	return Fingerprint{
		ExceptionType: excType,
		Signature:     signature,
		ClusterID:     hashSignature(signature),
	}, true
}

// exceptionType resolves the exception class via ordered attempts:
// explicit field, qualified class, traceback terminator, generic
// suffix token, panic sentinel.
func (e *Engine) exceptionType(event *models.LogEvent) string {
	if event.ExceptionType != "" {
		return event.ExceptionType
	}

	haystacks := []string{event.StackTrace, event.Message}
	for _, h := range haystacks {
		if h == "" {
			continue
		}
		if m := qualifiedExcRe.FindStringSubmatch(h); m != nil {
			return m[1]
		}
		if m := pythonExcRe.FindStringSubmatch(h); m != nil {
			return m[1]
		}
	}
	for _, h := range haystacks {
		if h == "" {
			continue
		}
		if m := genericExcRe.FindStringSubmatch(h); m != nil {
			return m[1]
		}
		if panicRe.MatchString(h) {
			return "panic"
		}
		if tracebackRe.MatchString(h) {
			return "Traceback"
		}
	}

	// Error-level events without any recognizable exception shape are
	// not clustered.
	return ""
}

// topStackFrames extracts up to topFrames masked frames from the trace.
// Line numbers are always masked; file paths and symbols are kept
// verbatim apart from embedded digits, because differing symbols must
// keep two bugs apart.
func (e *Engine) topStackFrames(stack string) []string {
	if stack == "" {
		return nil
	}

	frames := make([]string, 0, e.topFrames)
	for _, line := range strings.Split(stack, "\n") {
		if len(frames) >= e.topFrames {
			break
		}
		if m := javaFrameRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, maskFrame(m[2])+":"+maskFrame(m[1]))
			continue
		}
		if m := pythonFrameRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, maskFrame(m[1])+":"+maskFrame(m[3]))
			continue
		}
		if m := fileLineRe.FindStringSubmatch(line); m != nil {
			frames = append(frames, maskFrame(m[1]))
			continue
		}
	}
	return frames
}

// Mask applies the masking rules in order and collapses whitespace.
func (e *Engine) Mask(s string) string {
	for _, p := range e.patterns {
		s = p.Regex.ReplaceAllString(s, p.Placeholder)
	}
	return strings.Join(strings.Fields(s), " ")
}

// maskFrame masks digit runs inside a frame component (anonymous class
// suffixes, generated lambda indices) without touching letters.
func maskFrame(s string) string {
	return frameDigitsRe.ReplaceAllString(s, "N")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// hashSignature derives the stable cluster id from a signature.
func hashSignature(signature string) string {
	h := fnv.New64a()
	h.Write([]byte(signature))
	return fmt.Sprintf("%016x", h.Sum64())
}
