// Package connection implements the per-connection protocol loop
// (spec.md §4.2): one goroutine reads newline-delimited requests and
// dispatches each asynchronously so a slow channel.send does not stall
// the next request on the same socket, while a single writer goroutine
// discipline (protocol.Writer's mutex) keeps replies and notifications
// from interleaving on the wire. Modeled on the teacher's
// transport.Server.handleConnection split between readLoop and
// writeLoop, adapted from a WebSocket frame pump to a line-oriented
// JSON-RPC pump.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/protocol"
	"github.com/carapace-gateway/carapace/internal/router"
	"github.com/carapace-gateway/carapace/internal/subscription"
)

// Handler serves one accepted connection end to end.
type Handler struct {
	Router         *router.Router
	Subscriptions  *subscription.Manager
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

// Serve runs the read/dispatch loop for conn until the connection
// closes, a framing violation occurs, or ctx is cancelled. It returns
// once every in-flight request for this connection has finished. Watch
// forwarders are not waited for: they stop when their subscription is
// released or the connection's context is cancelled, both of which
// happen as Serve returns.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	var wg sync.WaitGroup
	defer wg.Wait()

	var subsMu sync.Mutex
	var activeSubs []*subscription.Subscription
	defer func() {
		subsMu.Lock()
		for _, sub := range activeSubs {
			h.Subscriptions.Unsubscribe(sub)
		}
		subsMu.Unlock()
	}()

	for {
		req, err := reader.ReadRequest()
		if err != nil {
			h.handleReadError(writer, err)
			return
		}

		if req.JSONRPC != protocol.Version {
			_ = writer.WriteResponse(protocol.NewError(req.ID, protocol.CodeInvalidRequest, "jsonrpc must be \"2.0\"", nil))
			continue
		}

		wg.Add(1)
		go func(req protocol.Request) {
			defer wg.Done()
			h.handleRequest(connCtx, writer, req, &subsMu, &activeSubs)
		}(req)
	}
}

func (h *Handler) handleReadError(writer *protocol.Writer, err error) {
	switch {
	case errors.Is(err, io.EOF):
		return
	case errors.Is(err, protocol.ErrLineTooLong):
		_ = writer.WriteResponse(protocol.NewError(protocol.NullID, protocol.CodeParseError, "line exceeds maximum frame size", nil))
	case errors.Is(err, protocol.ErrParse):
		_ = writer.WriteResponse(protocol.NewError(protocol.NullID, protocol.CodeParseError, "malformed request", nil))
	default:
		h.Logger.Debug("connection: read error", zap.Error(err))
	}
}

func (h *Handler) handleRequest(ctx context.Context, writer *protocol.Writer, req protocol.Request, subsMu *sync.Mutex, activeSubs *[]*subscription.Subscription) {
	reqCtx, cancel := context.WithTimeout(ctx, h.RequestTimeout)
	defer cancel()

	resp := h.Router.Dispatch(reqCtx, req)
	if err := writer.WriteResponse(resp); err != nil {
		h.Logger.Debug("connection: write response failed", zap.Error(err))
		return
	}

	if req.Method == "channel.watch" && resp.Error == nil {
		h.startWatch(ctx, writer, req, subsMu, activeSubs)
	}
}

type watchParams struct {
	Channel string `json:"channel"`
}

func (h *Handler) startWatch(ctx context.Context, writer *protocol.Writer, req protocol.Request, subsMu *sync.Mutex, activeSubs *[]*subscription.Subscription) {
	var p watchParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return
	}

	sub, err := h.Subscriptions.Subscribe(ctx, p.Channel)
	if err != nil {
		h.Logger.Warn("connection: subscribe failed", zap.String("channel", p.Channel), zap.Error(err))
		return
	}

	subsMu.Lock()
	*activeSubs = append(*activeSubs, sub)
	subsMu.Unlock()

	go h.forwardNotifications(ctx, writer, p.Channel, sub)
}

func (h *Handler) forwardNotifications(ctx context.Context, writer *protocol.Writer, channel string, sub *subscription.Subscription) {
	for {
		event, ok := sub.Next(ctx)
		if !ok {
			return
		}
		h.writeIncoming(writer, channel, event)
	}
}

func (h *Handler) writeIncoming(writer *protocol.Writer, channel string, event subscription.Event) {
	n := protocol.NewNotification("channel.message", incomingPayload(channel, event))
	if err := writer.WriteNotification(n); err != nil {
		h.Logger.Debug("connection: write notification failed", zap.Error(err))
	}
}

func incomingPayload(channel string, event subscription.Event) map[string]any {
	msg := event.Message
	payload := map[string]any{
		"channel":   channel,
		"chat_id":   msg.ChatID,
		"sender":    msg.Sender,
		"text":      msg.Text,
		"timestamp": msg.Timestamp,
		"is_from_me": msg.IsFromMe,
	}
	if len(msg.Attachments) > 0 {
		payload["attachments"] = msg.Attachments
	}
	if event.Dropped > 0 {
		payload["dropped_count"] = event.Dropped
	}
	return payload
}
