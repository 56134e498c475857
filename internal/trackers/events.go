// events.go — Payload shapes and capture helpers for the three trackers.
// Console text and network URLs pass through redaction unless the
// corresponding show-full devtools flag is set.
package trackers

import (
	"unicode/utf8"

	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/redaction"
)

const maxArgsPreview = 240

// ConsoleCategory buckets console messages.
type ConsoleCategory string

const (
	ConsoleLog     ConsoleCategory = "log"
	ConsoleWarning ConsoleCategory = "warning"
	ConsoleError   ConsoleCategory = "error"
	ConsoleDebug   ConsoleCategory = "debug"
	ConsoleTrace   ConsoleCategory = "trace"
	ConsoleAssert  ConsoleCategory = "assert"
	ConsoleOther   ConsoleCategory = "other"
)

// ConsoleEvent is one captured console message.
type ConsoleEvent struct {
	Level       string          `json:"level"`
	Category    ConsoleCategory `json:"category"`
	Text        string          `json:"text"`
	ArgsPreview string          `json:"argsPreview,omitempty"`
	Source      string          `json:"source,omitempty"`
	Line        int             `json:"line,omitempty"`
	Column      int             `json:"column,omitempty"`
}

// NetworkPhase distinguishes request and response records.
type NetworkPhase string

const (
	NetworkRequest  NetworkPhase = "request"
	NetworkResponse NetworkPhase = "response"
)

// NetworkEvent is one captured request or response.
type NetworkEvent struct {
	Phase  NetworkPhase `json:"phase"`
	Method string       `json:"method,omitempty"`
	URL    string       `json:"url"`
	Host   string       `json:"host,omitempty"`
	Status int          `json:"status,omitempty"`
}

// ExceptionEvent is one captured page error.
type ExceptionEvent struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Set bundles the three per-session trackers.
type Set struct {
	Console   *Tracker[ConsoleEvent]
	Network   *Tracker[NetworkEvent]
	Exception *Tracker[ExceptionEvent]

	showFullConsole bool
	showFullURLs    bool
}

// Options configures tracker capacities and redaction escape hatches.
type Options struct {
	ConsoleCapacity   int
	NetworkCapacity   int
	ExceptionCapacity int
	ShowFullConsole   bool
	ShowFullURLs      bool
}

// NewSet builds the three trackers with the given options.
// Zero capacities take the defaults (console 500, network 1000, exception 200).
func NewSet(opts Options) *Set {
	if opts.ConsoleCapacity <= 0 {
		opts.ConsoleCapacity = 500
	}
	if opts.NetworkCapacity <= 0 {
		opts.NetworkCapacity = 1000
	}
	if opts.ExceptionCapacity <= 0 {
		opts.ExceptionCapacity = 200
	}
	return &Set{
		Console:         New[ConsoleEvent](opts.ConsoleCapacity),
		Network:         New[NetworkEvent](opts.NetworkCapacity),
		Exception:       New[ExceptionEvent](opts.ExceptionCapacity),
		showFullConsole: opts.ShowFullConsole,
		showFullURLs:    opts.ShowFullURLs,
	}
}

// CaptureConsole records a driver console message, redacting text and
// argument previews unless show-full-console is set.
func (s *Set) CaptureConsole(msg driver.ConsoleMessage) Event[ConsoleEvent] {
	text := msg.Text
	preview := msg.ArgsPreview
	if !s.showFullConsole {
		text = redaction.RedactText(text)
		preview = redaction.RedactText(preview)
	}
	preview = truncateRuneSafe(preview, maxArgsPreview)
	return s.Console.Append(ConsoleEvent{
		Level:       msg.Level,
		Category:    categorize(msg.Level),
		Text:        text,
		ArgsPreview: preview,
		Source:      msg.Source,
		Line:        msg.Line,
		Column:      msg.Column,
	})
}

// CaptureRequest records the request half of a network exchange.
func (s *Set) CaptureRequest(ev driver.NetworkEvent) Event[NetworkEvent] {
	return s.Network.Append(NetworkEvent{
		Phase:  NetworkRequest,
		Method: ev.Method,
		URL:    s.sanitize(ev.URL),
		Host:   driver.HostOf(ev.URL),
	})
}

// CaptureResponse records the response half of a network exchange.
func (s *Set) CaptureResponse(ev driver.NetworkEvent) Event[NetworkEvent] {
	return s.Network.Append(NetworkEvent{
		Phase:  NetworkResponse,
		Method: ev.Method,
		URL:    s.sanitize(ev.URL),
		Host:   driver.HostOf(ev.URL),
		Status: ev.Status,
	})
}

// CaptureException records a page error as supplied by the driver.
func (s *Set) CaptureException(ev driver.PageError) Event[ExceptionEvent] {
	return s.Exception.Append(ExceptionEvent{
		Name:    ev.Name,
		Message: ev.Message,
		Stack:   ev.Stack,
	})
}

// Detach drops all subscribers and retained events on all three trackers.
func (s *Set) Detach() {
	s.Console.Detach()
	s.Network.Detach()
	s.Exception.Detach()
}

// truncateRuneSafe cuts s to at most max bytes without splitting a rune.
func truncateRuneSafe(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func (s *Set) sanitize(raw string) string {
	if s.showFullURLs {
		return raw
	}
	return redaction.SanitizeURL(raw)
}

func categorize(level string) ConsoleCategory {
	switch level {
	case "log", "info":
		return ConsoleLog
	case "warning", "warn":
		return ConsoleWarning
	case "error":
		return ConsoleError
	case "debug":
		return ConsoleDebug
	case "trace":
		return ConsoleTrace
	case "assert":
		return ConsoleAssert
	default:
		return ConsoleOther
	}
}
