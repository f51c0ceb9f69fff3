// Package adapter defines the channel adapter contract (spec.md §4.5):
// a flat interface every concrete channel (subprocess-wrapping,
// network-API, or hybrid) implements identically for the router.
package adapter

import (
	"context"
	"errors"
	"time"
)

// ErrorKind classifies an adapter failure the way the router needs to
// map it to a wire error code (spec.md §4.5/§7).
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindPermanent    ErrorKind = "non_retryable"
	KindNotConfigured ErrorKind = "not_configured"
)

// Error is the typed adapter failure spec.md §4.5 requires. Its Kind is
// read back with KindOf, which finds the Error through errors.As.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Op
	}
	return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable adapter failure.
func Transient(op string, err error) error { return &Error{Kind: KindTransient, Op: op, Err: err} }

// Permanent wraps err as a non-retryable adapter failure.
func Permanent(op string, err error) error { return &Error{Kind: KindPermanent, Op: op, Err: err} }

// NotConfigured wraps err as "adapter unavailable / not configured".
func NotConfigured(op string, err error) error {
	return &Error{Kind: KindNotConfigured, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindPermanent
// for errors the adapter did not classify.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindPermanent
}

// Attachment is a file reference attached to a message.
type Attachment struct {
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// SendParams is the router-validated input to Send.
type SendParams struct {
	Recipient   string
	Message     string
	Subject     string // gmail only
	ThreadID    string // gmail only
	Attachments []Attachment
}

// SendResult is spec.md §4.5's send() success shape.
type SendResult struct {
	MessageID        string
	Timestamp        time.Time
	ProviderResponse any
}

// ChatSummary is one entry of a list_chats page.
type ChatSummary struct {
	ChatID       string
	Participants []string
	Name         string
	LastActivity time.Time
}

// ChatPage is list_chats' paged result.
type ChatPage struct {
	Items   []ChatSummary
	HasMore bool
}

// HistoryItem is one entry of a get_history page.
type HistoryItem struct {
	Sender    string
	Text      string
	Timestamp time.Time
}

// HistoryPage is get_history's paged result.
type HistoryPage struct {
	Items   []HistoryItem
	HasMore bool
}

// IncomingMessage is an event off a Watch stream (spec.md §4.5).
type IncomingMessage struct {
	Channel     string
	ChatID      string
	Sender      string
	Text        string
	Timestamp   time.Time
	Attachments []Attachment
	IsFromMe    bool
}

// HealthResult is health_check's best-effort report.
type HealthResult struct {
	Healthy bool
	Detail  string
}

// Adapter is the capability set every channel implementation presents
// identically to the router. Adapters must not observe policy state and
// must not log message bodies themselves — the audit journal is the
// single place message metadata is recorded (spec.md §4.5).
type Adapter interface {
	ChannelID() string
	HealthCheck(ctx context.Context) (HealthResult, error)
	Send(ctx context.Context, params SendParams) (SendResult, error)
	ListChats(ctx context.Context, limit, offset int) (ChatPage, error)
	GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (HistoryPage, error)
	// Watch returns a channel of incoming messages. It is never
	// restartable: a new call always starts a fresh stream. The
	// returned channel closes when the underlying source exits or ctx
	// is cancelled.
	Watch(ctx context.Context) (<-chan IncomingMessage, error)
}
