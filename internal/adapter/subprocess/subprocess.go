// Package subprocess implements a generic JSON-RPC-over-stdio channel
// adapter, grounded on the iMessage RPC adapter pattern: a long-lived
// helper binary is spawned once, requests are framed as newline-
// delimited {jsonrpc,id,method,params} on its stdin, and responses/
// notifications are demultiplexed off its stdout by id. It backs both
// the imsg channel (wrapping an imsg CLI) and the signal channel
// (wrapping signal-cli), which speak the same shape of RPC.
package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

// Config configures one subprocess adapter instance.
type Config struct {
	ChannelID string
	Binary    string
	Args      []string
}

// Adapter drives a helper binary over a JSON-RPC-over-stdio protocol.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	running bool

	nextID    int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcResponse

	watchMu sync.Mutex
	watchCh chan adapter.IncomingMessage
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New creates a subprocess adapter for cfg. The helper process is not
// started until Start is called.
func New(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[int64]chan rpcResponse),
	}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return a.cfg.ChannelID }

// Start spawns the helper process and its stdout reader loop. It is
// safe to call once per adapter lifetime; restarts happen by creating a
// new Adapter value.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	cmd := exec.Command(a.cfg.Binary, a.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return adapter.NotConfigured("start", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return adapter.NotConfigured("start", fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return adapter.NotConfigured("start", fmt.Errorf("spawn %s: %w", a.cfg.Binary, err))
	}

	a.cmd = cmd
	a.stdin = stdin
	a.stdout = stdout
	a.running = true

	go a.readLoop()

	return nil
}

// Stop terminates the helper process, discarding any partial output.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	if a.stdin != nil {
		_ = a.stdin.Close()
	}
	if a.cmd != nil && a.cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_ = a.cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			_ = a.cmd.Process.Kill()
		}
	}
	return nil
}

func (a *Adapter) readLoop() {
	scanner := bufio.NewScanner(a.stdout)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			a.logger.Debug("subprocess: malformed line", zap.String("channel", a.cfg.ChannelID), zap.Error(err))
			continue
		}

		if resp.ID != nil {
			a.pendingMu.Lock()
			ch, ok := a.pending[*resp.ID]
			if ok {
				delete(a.pending, *resp.ID)
			}
			a.pendingMu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}

		if resp.Method == "message" {
			a.deliverNotification(resp.Params)
		}
	}

	a.watchMu.Lock()
	if a.watchCh != nil {
		close(a.watchCh)
		a.watchCh = nil
	}
	a.watchMu.Unlock()
}

func (a *Adapter) deliverNotification(params json.RawMessage) {
	var msg adapter.IncomingMessage
	if err := json.Unmarshal(params, &msg); err != nil {
		return
	}
	msg.Channel = a.cfg.ChannelID

	a.watchMu.Lock()
	ch := a.watchCh
	a.watchMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (a *Adapter) request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	a.mu.Lock()
	running := a.running
	stdin := a.stdin
	a.mu.Unlock()
	if !running || stdin == nil {
		return nil, adapter.NotConfigured(method, fmt.Errorf("%s adapter not running", a.cfg.ChannelID))
	}

	id := atomic.AddInt64(&a.nextID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, adapter.Permanent(method, err)
	}
	data = append(data, '\n')

	replyCh := make(chan rpcResponse, 1)
	a.pendingMu.Lock()
	a.pending[id] = replyCh
	a.pendingMu.Unlock()

	if _, err := stdin.Write(data); err != nil {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, adapter.Transient(method, err)
	}

	select {
	case resp := <-replyCh:
		if resp.Error != nil {
			return nil, adapter.Transient(method, fmt.Errorf("%d: %s", resp.Error.Code, resp.Error.Message))
		}
		return resp.Result, nil
	case <-ctx.Done():
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
		return nil, adapter.Transient(method, ctx.Err())
	}
}

// HealthCheck implements adapter.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return adapter.HealthResult{Healthy: false, Detail: "process not running"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.request(ctx, "ping", nil); err != nil {
		return adapter.HealthResult{Healthy: false, Detail: err.Error()}, nil
	}
	return adapter.HealthResult{Healthy: true, Detail: "ok"}, nil
}

// Send implements adapter.Adapter.
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	result, err := a.request(ctx, "send", map[string]any{
		"to":   params.Recipient,
		"text": params.Message,
	})
	if err != nil {
		return adapter.SendResult{}, err
	}

	var parsed struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(result, &parsed)

	return adapter.SendResult{
		MessageID:        parsed.MessageID,
		Timestamp:        time.Now().UTC(),
		ProviderResponse: json.RawMessage(result),
	}, nil
}

// ListChats implements adapter.Adapter.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.ChatPage, error) {
	result, err := a.request(ctx, "chats.list", map[string]any{"limit": limit, "offset": offset})
	if err != nil {
		return adapter.ChatPage{}, err
	}
	var page adapter.ChatPage
	_ = json.Unmarshal(result, &page)
	return page, nil
}

// GetHistory implements adapter.Adapter.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (adapter.HistoryPage, error) {
	result, err := a.request(ctx, "history.get", map[string]any{
		"chat_id": chatID,
		"limit":   limit,
		"before":  before.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return adapter.HistoryPage{}, err
	}
	var page adapter.HistoryPage
	_ = json.Unmarshal(result, &page)
	return page, nil
}

// Watch implements adapter.Adapter. Only one active watch stream is
// supported per adapter instance at a time; a new call after the
// process exits requires a new Adapter (spec.md §4.5: "never
// restartable").
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	a.watchMu.Lock()
	if a.watchCh != nil {
		a.watchMu.Unlock()
		return nil, adapter.Permanent("watch", fmt.Errorf("watch already active"))
	}
	ch := make(chan adapter.IncomingMessage, 256)
	a.watchCh = ch
	a.watchMu.Unlock()

	if _, err := a.request(ctx, "watch.subscribe", nil); err != nil {
		a.watchMu.Lock()
		a.watchCh = nil
		a.watchMu.Unlock()
		close(ch)
		return nil, err
	}

	return ch, nil
}
