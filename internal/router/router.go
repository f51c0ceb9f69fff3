// Package router implements the gateway's fixed method table (spec.md
// §4.3): parameter validation, policy chain ordering, and error code
// mapping for every synchronous request. Subscription fan-out for
// channel.watch lives in internal/subscription; Dispatch only
// authorizes the subscribe attempt and leaves stream management to the
// connection layer that calls it.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/metrics"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/protocol"
)

// ConfigLoader resolves a fresh config.File for admin.reload_config,
// following whatever source (file path, env) the process started with.
type ConfigLoader func() (config.File, error)

// Router dispatches decoded requests to the policy engine, the
// per-channel adapters, and the audit/dead-letter stores.
type Router struct {
	adapters    map[string]adapter.Adapter
	policy      *policy.Engine
	journal     *audit.Journal
	deadLetters *audit.DeadLetterStore
	metrics     *metrics.Registry
	logger      *zap.Logger
	loadConfig  ConfigLoader

	configMu sync.RWMutex
	current  config.File
}

// New builds a Router over a fixed adapter set, keyed by channel id.
// current is the config.File the daemon started with; admin.reload_config
// diffs future loads against it to reject changes to fields spec.md §4.8
// marks non-reloadable.
func New(adapters map[string]adapter.Adapter, eng *policy.Engine, journal *audit.Journal, dl *audit.DeadLetterStore, reg *metrics.Registry, logger *zap.Logger, loadConfig ConfigLoader, current config.File) *Router {
	return &Router{
		adapters:    adapters,
		policy:      eng,
		journal:     journal,
		deadLetters: dl,
		metrics:     reg,
		logger:      logger,
		loadConfig:  loadConfig,
		current:     current,
	}
}

// Dispatch handles one decoded request and returns the reply to write
// back. It never panics on malformed params; validation failures map to
// CodeInvalidParams.
func (r *Router) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	start := time.Now()
	resp := r.dispatch(ctx, req)

	result := "ok"
	if resp.Error != nil {
		result = fmt.Sprintf("error_%d", resp.Error.Code)
	}
	r.metrics.RequestsTotal.WithLabelValues(req.Method, result).Inc()
	r.logger.Debug("router: dispatched",
		zap.String("method", req.Method),
		zap.String("result", result),
		zap.Duration("elapsed", time.Since(start)))

	return resp
}

func (r *Router) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Method {
	case "ping":
		return protocol.NewResult(req.ID, map[string]bool{"pong": true})
	case "channel.send":
		return r.handleSend(ctx, req)
	case "channel.list_chats":
		return r.handleListChats(ctx, req)
	case "channel.get_history":
		return r.handleGetHistory(ctx, req)
	case "channel.watch":
		return r.handleWatch(ctx, req)
	case "channel.status":
		return r.handleStatus(ctx, req)
	case "admin.get_dead_letters":
		return r.handleGetDeadLetters(req)
	case "admin.reload_config":
		return r.handleReloadConfig(req)
	default:
		return protocol.NewError(req.ID, protocol.CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (r *Router) adapterFor(channel string) (adapter.Adapter, bool) {
	a, ok := r.adapters[channel]
	return a, ok
}

type sendParams struct {
	Channel     string              `json:"channel"`
	Recipient   string              `json:"recipient"`
	Message     string              `json:"message"`
	Subject     string              `json:"subject,omitempty"`
	ThreadID    string              `json:"thread_id,omitempty"`
	Attachments []adapter.Attachment `json:"attachments,omitempty"`
}

// handleSend runs the full outbound policy chain (spec.md §4.4): rate
// limiter first so a probing caller always spends budget, then
// allow/deny, then content filter, before the adapter is ever touched.
func (r *Router) handleSend(ctx context.Context, req protocol.Request) protocol.Response {
	var p sendParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" || p.Recipient == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "channel.send requires channel, recipient, message", nil)
	}

	snap := r.policy.Current()

	if !r.policy.AllowRate(p.Channel) {
		r.metrics.RateLimitRejectsTotal.WithLabelValues(p.Channel).Inc()
		return r.denySend(req, p, "rate limit exceeded", protocol.CodeRateLimited)
	}

	if ok, kind := snap.CheckOutbound(p.Channel, p.Recipient); !ok {
		r.metrics.PolicyDenialsTotal.WithLabelValues(p.Channel, string(kind)).Inc()
		return r.denySend(req, p, string(kind), protocol.CodeNotPermitted)
	}

	verdict := snap.ContentFilter.Evaluate(p.Message)
	if !verdict.Blocked && p.Subject != "" {
		if sv := snap.ContentFilter.Evaluate(p.Subject); sv.Blocked {
			verdict = sv
		}
	}
	if verdict.Blocked {
		r.metrics.PolicyDenialsTotal.WithLabelValues(p.Channel, "content_blocked").Inc()
		return r.denySend(req, p, "content blocked by rule "+verdict.BlockedBy.ID, protocol.CodeContentBlocked)
	}

	a, ok := r.adapterFor(p.Channel)
	if !ok {
		return r.denySend(req, p, "channel adapter unavailable", protocol.CodeNotConfigured)
	}

	sendStart := time.Now()
	result, err := a.Send(ctx, adapter.SendParams{
		Recipient:   p.Recipient,
		Message:     p.Message,
		Subject:     p.Subject,
		ThreadID:    p.ThreadID,
		Attachments: p.Attachments,
	})
	r.metrics.AdapterLatency.WithLabelValues(p.Channel, "send").Observe(time.Since(sendStart).Seconds())

	if err != nil {
		kind := adapter.KindOf(err)
		r.metrics.AdapterErrorsTotal.WithLabelValues(p.Channel, string(kind)).Inc()
		r.writeAudit(audit.Record{Action: "channel.send", Channel: p.Channel, Direction: "outbound", Target: p.Recipient, Status: audit.StatusError, Reason: err.Error(), RequestID: idString(req.ID)}, false)
		code := protocol.CodeSendFailed
		if kind == adapter.KindNotConfigured {
			code = protocol.CodeNotConfigured
		}
		return protocol.NewError(req.ID, code, err.Error(), nil)
	}

	r.writeAudit(audit.Record{Action: "channel.send", Channel: p.Channel, Direction: "outbound", Target: p.Recipient, Status: audit.StatusAllowed, RequestID: idString(req.ID)}, false)

	return protocol.NewResult(req.ID, map[string]any{
		"message_id": result.MessageID,
		"timestamp":  result.Timestamp,
	})
}

func (r *Router) denySend(req protocol.Request, p sendParams, reason string, code int) protocol.Response {
	r.writeAudit(audit.Record{Action: "channel.send", Channel: p.Channel, Direction: "outbound", Target: p.Recipient, Status: audit.StatusBlocked, Reason: reason, RequestID: idString(req.ID)}, true)
	if _, err := r.deadLetters.Write(p.Channel, "outbound", p.Recipient, reason, []byte(p.Message)); err != nil {
		r.logger.Warn("router: dead letter write failed", zap.Error(err))
	} else {
		r.metrics.DeadLettersTotal.Inc()
	}
	return protocol.NewError(req.ID, code, reason, nil)
}

type listChatsParams struct {
	Channel string `json:"channel"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (r *Router) handleListChats(ctx context.Context, req protocol.Request) protocol.Response {
	var p listChatsParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "channel.list_chats requires channel", nil)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	a, snap, errResp := r.authorizedAdapter(req, p.Channel)
	if errResp != nil {
		return *errResp
	}
	_ = snap

	page, err := a.ListChats(ctx, p.Limit, p.Offset)
	if err != nil {
		return r.adapterErrorResponse(req, p.Channel, "list_chats", err)
	}
	return protocol.NewResult(req.ID, page)
}

type getHistoryParams struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Limit   int    `json:"limit,omitempty"`
	Before  string `json:"before,omitempty"`
}

func (r *Router) handleGetHistory(ctx context.Context, req protocol.Request) protocol.Response {
	var p getHistoryParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" || p.ChatID == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "channel.get_history requires channel, chat_id", nil)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	var before time.Time
	if p.Before != "" {
		parsed, err := time.Parse(time.RFC3339, p.Before)
		if err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "before must be RFC3339", nil)
		}
		before = parsed
	}

	a, _, errResp := r.authorizedAdapter(req, p.Channel)
	if errResp != nil {
		return *errResp
	}

	page, err := a.GetHistory(ctx, p.ChatID, p.Limit, before)
	if err != nil {
		return r.adapterErrorResponse(req, p.Channel, "get_history", err)
	}
	return protocol.NewResult(req.ID, page)
}

type watchParams struct {
	Channel string `json:"channel"`
}

// handleWatch only authorizes the subscribe attempt (channel known, not
// rate limited); the connection layer is responsible for registering
// the subscription and relaying adapter.Watch events as notifications.
func (r *Router) handleWatch(_ context.Context, req protocol.Request) protocol.Response {
	var p watchParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "channel.watch requires channel", nil)
	}

	snap := r.policy.Current()
	if !snap.ChannelKnown(p.Channel) {
		return protocol.NewError(req.ID, protocol.CodeNotConfigured, "channel not configured", nil)
	}
	if _, ok := r.adapterFor(p.Channel); !ok {
		return protocol.NewError(req.ID, protocol.CodeNotConfigured, "channel adapter unavailable", nil)
	}
	if !r.policy.AllowRate(p.Channel) {
		r.metrics.RateLimitRejectsTotal.WithLabelValues(p.Channel).Inc()
		return protocol.NewError(req.ID, protocol.CodeRateLimited, "rate limit exceeded", nil)
	}

	return protocol.NewResult(req.ID, map[string]bool{"subscribed": true})
}

type statusParams struct {
	Channel string `json:"channel"`
}

func (r *Router) handleStatus(ctx context.Context, req protocol.Request) protocol.Response {
	var p statusParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "channel.status requires channel", nil)
	}

	a, ok := r.adapterFor(p.Channel)
	if !ok {
		return protocol.NewError(req.ID, protocol.CodeNotConfigured, "channel adapter unavailable", nil)
	}

	health, err := a.HealthCheck(ctx)
	if err != nil {
		return r.adapterErrorResponse(req, p.Channel, "health_check", err)
	}
	return protocol.NewResult(req.ID, health)
}

type getDeadLettersParams struct {
	Limit int    `json:"limit,omitempty"`
	Since string `json:"since,omitempty"`
}

func (r *Router) handleGetDeadLetters(req protocol.Request) protocol.Response {
	var p getDeadLettersParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "admin.get_dead_letters: invalid params", nil)
		}
	}

	var since time.Time
	if p.Since != "" {
		parsed, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "since must be RFC3339", nil)
		}
		since = parsed
	}

	records, err := r.deadLetters.List(p.Limit, since)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternal, err.Error(), nil)
	}
	return protocol.NewResult(req.ID, records)
}

func (r *Router) handleReloadConfig(req protocol.Request) protocol.Response {
	f, err := r.loadConfig()
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternal, "reload: "+err.Error(), nil)
	}
	if err := f.Validate(); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "reload: "+err.Error(), nil)
	}

	r.configMu.RLock()
	current := r.current
	r.configMu.RUnlock()

	if reason := nonReloadableDiff(current, f); reason != "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "reload: "+reason+" requires a restart", nil)
	}

	if err := r.policy.Reload(f); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternal, "reload: "+err.Error(), nil)
	}
	r.journal.SetEnabled(f.Security.AuditEnabled)

	r.configMu.Lock()
	r.current = f
	r.configMu.Unlock()

	return protocol.NewResult(req.ID, map[string]bool{"reloaded": true})
}

// nonReloadableDiff reports a human-readable reason when next changes a
// field spec.md §4.8 marks as requiring a restart (endpoint bind path,
// per-channel enable state, or an adapter's binary/token resource path).
// Policy fields (allow/deny lists, content rules, rate limits) are not
// checked here; those are exactly what admin.reload_config exists to
// change live.
func nonReloadableDiff(current, next config.File) string {
	if current.Endpoint.Path != next.Endpoint.Path {
		return "endpoint.path changed"
	}

	seen := make(map[string]struct{}, len(current.Channels)+len(next.Channels))
	for id := range current.Channels {
		seen[id] = struct{}{}
	}
	for id := range next.Channels {
		seen[id] = struct{}{}
	}

	for id := range seen {
		cur, curOK := current.Channels[id]
		nxt, nxtOK := next.Channels[id]
		if curOK != nxtOK {
			return fmt.Sprintf("channels.%s added or removed", id)
		}
		if !curOK {
			continue
		}
		if cur.Enabled != nxt.Enabled {
			return fmt.Sprintf("channels.%s.enabled changed", id)
		}
		if cur.Binary != nxt.Binary {
			return fmt.Sprintf("channels.%s.binary changed", id)
		}
		if cur.TokenFile != nxt.TokenFile {
			return fmt.Sprintf("channels.%s.token_file changed", id)
		}
	}

	return ""
}

// authorizedAdapter resolves the adapter for channel after confirming
// it is known to the live snapshot. Methods that don't target a
// specific party (list_chats, get_history) skip allow/deny but still
// require the channel to exist.
func (r *Router) authorizedAdapter(req protocol.Request, channel string) (adapter.Adapter, *policy.Snapshot, *protocol.Response) {
	snap := r.policy.Current()
	if !snap.ChannelKnown(channel) {
		resp := protocol.NewError(req.ID, protocol.CodeNotConfigured, "channel not configured", nil)
		return nil, nil, &resp
	}
	a, ok := r.adapterFor(channel)
	if !ok {
		resp := protocol.NewError(req.ID, protocol.CodeNotConfigured, "channel adapter unavailable", nil)
		return nil, nil, &resp
	}
	return a, snap, nil
}

func (r *Router) adapterErrorResponse(req protocol.Request, channel, op string, err error) protocol.Response {
	kind := adapter.KindOf(err)
	r.metrics.AdapterErrorsTotal.WithLabelValues(channel, string(kind)).Inc()
	code := protocol.CodeInternal
	switch kind {
	case adapter.KindNotConfigured:
		code = protocol.CodeNotConfigured
	case adapter.KindTransient, adapter.KindPermanent:
		code = protocol.CodeSendFailed
	}
	return protocol.NewError(req.ID, code, err.Error(), nil)
}

func (r *Router) writeAudit(rec audit.Record, durable bool) {
	var err error
	if durable {
		err = r.journal.WriteSync(rec)
	} else {
		err = r.journal.Write(rec)
	}
	if err != nil {
		r.logger.Error("router: audit write failed", zap.Error(err), zap.String("action", rec.Action))
	}
	r.metrics.AuditRecordsTotal.WithLabelValues(string(rec.Status)).Inc()
}

func idString(id json.RawMessage) string {
	return string(id)
}
