package reverseproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/audit"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/session"
	"github.com/shadowcat-mcp/shadowcat/internal/pool"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// StdioForwarder exchanges one JSON-RPC frame with a pooled subprocess
// upstream. Satisfied by *service.UpstreamManager; declared locally so this
// package depends on the contract, not the pool wiring.
type StdioForwarder interface {
	RoundTrip(ctx context.Context, upstreamID string, frame []byte) ([]byte, error)
}

// Auditor records completed exchanges. Satisfied by *service.AuditService;
// declared locally to avoid an import cycle (service already imports
// nothing from reverseproxy, but keeping the dependency as an interface
// lets tests substitute a fake without pulling in the channel/worker
// machinery).
type Auditor interface {
	Record(rec audit.AuditRecord)
}

const (
	// maxRequestBodySize mirrors the single-upstream HTTP adapter's limit.
	maxRequestBodySize = 1 << 20
	reconnectedEvent   = "mcp:reconnected"
)

// Config wires together everything one reverse-proxy HTTP listener needs:
// the fixed upstream set, the load-balancing strategy, session bookkeeping,
// the interceptor chain (rate limiting + rule engine, terminating in a
// passthrough rather than a forwarding interceptor — Proxy itself owns the
// upstream round trip so it can tell a buffered JSON reply from a long-lived
// SSE stream), and SSE reconnection policy.
type Config struct {
	Registry    *Registry
	Strategy    Strategy
	Sessions    *session.Manager
	Sticky      StickyConfig
	Reconnect   ReconnectConfig
	Interceptor proxy.MessageInterceptor
	HTTPClient  *http.Client
	Logger      *slog.Logger
	// Stdio exchanges frames with subprocess upstreams (those whose
	// Command is set). Required when the registry contains any stdio
	// upstream.
	Stdio StdioForwarder
	// MaxBodyBytes bounds inbound POST /mcp bodies; 0 uses the default.
	MaxBodyBytes int64
	// CORS enables permissive CORS headers for browser-hosted clients.
	CORS bool
	// Audit receives one record per completed /mcp exchange (forwarded,
	// blocked, or errored). Nil disables audit recording.
	Audit Auditor
}

// Proxy is the reverse-proxy HTTP handler: POST/DELETE /mcp, GET /health.
type Proxy struct {
	cfg         Config
	selector    Selector
	reconnector *Reconnector
	bufPool     *mcp.BufferPool
}

// New builds a Proxy from cfg, filling in defaults for an unset HTTPClient
// and Logger.
func New(cfg Config) *Proxy {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	reconnect := cfg.Reconnect
	if reconnect == (ReconnectConfig{}) {
		reconnect = DefaultReconnectConfig()
	}
	return &Proxy{
		cfg:         cfg,
		selector:    NewSelector(cfg.Strategy),
		reconnector: NewReconnector(reconnect, time.Now().UnixNano()),
		bufPool:     mcp.NewBufferPool(),
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.cfg.CORS {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	switch {
	case r.URL.Path == "/mcp" && r.Method == http.MethodPost:
		p.handlePost(w, r)
	case r.URL.Path == "/mcp" && r.Method == http.MethodDelete:
		p.handleDelete(w, r)
	case r.URL.Path == "/health":
		p.handleHealth(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (p *Proxy) handleHealth(w http.ResponseWriter, _ *http.Request) {
	states := make(map[string]string)
	for _, u := range p.cfg.Registry.All() {
		states[u.ID] = u.BreakerState().String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "upstreams": states})
}

func (p *Proxy) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if err := p.cfg.Sessions.Close(r.Context(), sessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		http.Error(w, "failed to close session", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *Proxy) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := p.cfg.Logger

	maxBody := p.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = maxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	protoMsg, err := mcp.DecodeProtocolMessage(body)
	if err != nil {
		writeJSONRPCError(w, nil, mcp.CodeParseError, "invalid JSON-RPC request")
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	protocolVersion := r.Header.Get("MCP-Protocol-Version")
	sess, err := p.cfg.Sessions.GetOrCreate(ctx, sessionID, protocolVersion)
	if err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	_ = p.cfg.Sessions.Touch(ctx, sess.ID)

	reqEnvelope := mcp.NewEnvelope(protoMsg, mcp.MessageContext{
		SessionID: sess.ID,
		Direction: mcp.ClientToServer,
		Delivery:  mcp.NewHTTPDelivery(r.Method, r.URL.Path, r.Header),
	})

	start := time.Now()
	processed := reqEnvelope
	if p.cfg.Interceptor != nil {
		processed, err = p.cfg.Interceptor.Intercept(ctx, reqEnvelope)
	}
	if err != nil {
		logger.Warn("request rejected by interceptor chain", "session_id", sess.ID, "error", err)
		p.audit(audit.AuditRecord{
			SessionID:  sess.ID,
			Direction:  mcp.ClientToServer.String(),
			Method:     protoMsg.Method,
			Outcome:    "error",
			Error:      err.Error(),
			DurationUs: time.Since(start).Microseconds(),
		})
		writeJSONRPCErrorStatus(w, proxy.HTTPStatusFor(err), protoMsg.ID, proxy.ErrorCodeFor(err), proxy.SafeErrorMessage(err))
		return
	}

	w.Header().Set("Mcp-Session-Id", sess.ID)

	// A rule-engine Mock/Block outcome flips direction and answers without
	// ever reaching an upstream.
	if processed.Context.Direction != mcp.ClientToServer {
		p.audit(audit.AuditRecord{
			SessionID:  sess.ID,
			Direction:  mcp.ClientToServer.String(),
			Method:     protoMsg.Method,
			Outcome:    "mocked",
			DurationUs: time.Since(start).Microseconds(),
		})
		writeJSONResponse(w, processed.Message)
		return
	}

	p.forward(ctx, w, sess, processed, r.Header.Get("Last-Event-Id"))
}

// audit hands rec to the configured Auditor, a no-op when none is
// configured.
func (p *Proxy) audit(rec audit.AuditRecord) {
	if p.cfg.Audit == nil {
		return
	}
	p.cfg.Audit.Record(rec)
}

func (p *Proxy) forward(ctx context.Context, w http.ResponseWriter, sess *session.Session, reqEnvelope *mcp.MessageEnvelope, lastEventID string) {
	logger := p.cfg.Logger
	start := time.Now()
	method := reqEnvelope.Message.Method

	upstream, err := resolveUpstream(ctx, p.cfg.Sticky, p.cfg.Sessions, sess, p.cfg.Registry, p.selector)
	if err != nil {
		p.audit(audit.AuditRecord{SessionID: sess.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "error", Error: err.Error(), DurationUs: time.Since(start).Microseconds()})
		writeJSONRPCError(w, reqEnvelope.Message.ID, mcp.CodeInternalError, "no upstream available")
		return
	}

	reqBody, err := mcp.EncodeProtocolMessage(reqEnvelope.Message)
	if err != nil {
		p.audit(audit.AuditRecord{SessionID: sess.ID, UpstreamID: upstream.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "error", Error: err.Error(), DurationUs: time.Since(start).Microseconds()})
		writeJSONRPCError(w, reqEnvelope.Message.ID, mcp.CodeInternalError, "internal proxy error")
		return
	}

	end := upstream.BeginRequest()
	defer end()

	if upstream.IsStdio() {
		p.forwardStdio(ctx, w, upstream, sess, reqEnvelope, reqBody, method, start)
		return
	}

	resp, err := p.postUpstream(ctx, upstream, reqBody, sess.ID, lastEventID)
	if err != nil {
		upstream.RecordFailure()
		logger.Error("upstream request failed", "upstream", upstream.ID, "error", err)
		p.audit(audit.AuditRecord{SessionID: sess.ID, UpstreamID: upstream.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "error", Error: err.Error(), DurationUs: time.Since(start).Microseconds()})
		writeJSONRPCError(w, reqEnvelope.Message.ID, mcp.CodeInternalError, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	switch {
	case isEventStream(contentType):
		p.streamSSE(ctx, w, upstream, resp, sess, reqBody)
		p.audit(audit.AuditRecord{SessionID: sess.ID, UpstreamID: upstream.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "forwarded", DurationUs: time.Since(start).Microseconds()})
	default:
		p.relayJSON(ctx, w, upstream, resp, sess)
		p.audit(audit.AuditRecord{SessionID: sess.ID, UpstreamID: upstream.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "forwarded", DurationUs: time.Since(start).Microseconds()})
	}
}

// forwardStdio exchanges one frame with a pooled subprocess upstream. Pool
// exhaustion surfaces as 503 rather than queueing unboundedly.
func (p *Proxy) forwardStdio(ctx context.Context, w http.ResponseWriter, upstream *Upstream, sess *session.Session, reqEnvelope *mcp.MessageEnvelope, reqBody []byte, method string, start time.Time) {
	if p.cfg.Stdio == nil {
		upstream.RecordFailure()
		writeJSONRPCError(w, reqEnvelope.Message.ID, mcp.CodeInternalError, "stdio upstream not wired")
		return
	}

	respBody, err := p.cfg.Stdio.RoundTrip(ctx, upstream.ID, reqBody)
	if err != nil {
		upstream.RecordFailure()
		p.audit(audit.AuditRecord{SessionID: sess.ID, UpstreamID: upstream.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "error", Error: err.Error(), DurationUs: time.Since(start).Microseconds()})
		if errors.Is(err, pool.ErrExhausted) {
			writeJSONRPCErrorStatus(w, http.StatusServiceUnavailable, reqEnvelope.Message.ID, mcp.CodeInternalError, "upstream pool exhausted")
			return
		}
		writeJSONRPCError(w, reqEnvelope.Message.ID, mcp.CodeInternalError, "upstream unavailable")
		return
	}

	protoMsg, err := mcp.DecodeProtocolMessage(respBody)
	if err != nil {
		upstream.RecordFailure()
		writeJSONRPCError(w, reqEnvelope.Message.ID, mcp.CodeInternalError, "upstream response error")
		return
	}

	respEnvelope := mcp.NewEnvelope(protoMsg, mcp.MessageContext{
		SessionID: sess.ID,
		Direction: mcp.ServerToClient,
		Delivery:  mcp.NewStdioDelivery(0, upstream.Command),
	})
	processed := respEnvelope
	if p.cfg.Interceptor != nil {
		processed, err = p.cfg.Interceptor.Intercept(ctx, respEnvelope)
		if err != nil {
			upstream.RecordFailure()
			writeJSONRPCError(w, protoMsg.ID, proxy.ErrorCodeFor(err), proxy.SafeErrorMessage(err))
			return
		}
	}
	upstream.RecordSuccess()
	p.audit(audit.AuditRecord{SessionID: sess.ID, UpstreamID: upstream.ID, Direction: mcp.ClientToServer.String(), Method: method, Outcome: "forwarded", DurationUs: time.Since(start).Microseconds()})
	writeJSONResponse(w, processed.Message)
}

func (p *Proxy) postUpstream(ctx context.Context, upstream *Upstream, body []byte, sessionID, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-Id", lastEventID)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %s returned status %d", upstream.ID, resp.StatusCode)
	}
	return resp, nil
}

func (p *Proxy) relayJSON(ctx context.Context, w http.ResponseWriter, upstream *Upstream, resp *http.Response, sess *session.Session) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBodySize))
	if err != nil {
		upstream.RecordFailure()
		writeJSONRPCError(w, nil, mcp.CodeInternalError, "upstream response error")
		return
	}

	protoMsg, err := mcp.DecodeProtocolMessage(raw)
	if err != nil {
		// Not a JSON-RPC message we can interpret; relay the bytes verbatim.
		upstream.RecordSuccess()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}

	respEnvelope := mcp.NewEnvelope(protoMsg, mcp.MessageContext{
		SessionID: sess.ID,
		Direction: mcp.ServerToClient,
	})
	processed := respEnvelope
	if p.cfg.Interceptor != nil {
		processed, err = p.cfg.Interceptor.Intercept(ctx, respEnvelope)
		if err != nil {
			upstream.RecordFailure()
			writeJSONRPCError(w, protoMsg.ID, proxy.ErrorCodeFor(err), proxy.SafeErrorMessage(err))
			return
		}
	}
	upstream.RecordSuccess()
	writeJSONResponse(w, processed.Message)
}

func (p *Proxy) streamSSE(ctx context.Context, w http.ResponseWriter, upstream *Upstream, resp *http.Response, sess *session.Session, reqBody []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		upstream.RecordFailure()
		writeJSONRPCError(w, nil, mcp.CodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	body := resp.Body
	lastEventID := ""

	for {
		err := p.pumpSSE(ctx, body, w, flusher, upstream, sess, &lastEventID)
		body.Close()
		if err == nil {
			upstream.RecordSuccess()
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		logger := p.cfg.Logger
		logger.Warn("sse stream broke, attempting reconnect", "upstream", upstream.ID, "last_event_id", lastEventID)
		upstream.RecordFailure()

		var reconnected *http.Response
		reconnectErr := p.reconnector.Run(ctx, func(ctx context.Context, a Attempt) error {
			resp, postErr := p.postUpstream(ctx, upstream, reqBody, sess.ID, lastEventID)
			if postErr != nil {
				return postErr
			}
			if !isEventStream(resp.Header.Get("Content-Type")) {
				resp.Body.Close()
				return fmt.Errorf("reconnect response was not an event stream")
			}
			reconnected = resp
			return nil
		})
		if reconnectErr != nil {
			logger.Error("sse reconnect exhausted retries", "upstream", upstream.ID, "error", reconnectErr)
			return
		}

		reconnectNote := &mcp.ParsedSSEEvent{EventType: reconnectedEvent, Data: `{"sessionId":"` + sess.ID + `","lastEventId":"` + lastEventID + `"}`}
		if _, err := w.Write(mcp.AppendSSEEvent(nil, reconnectNote)); err != nil {
			return
		}
		flusher.Flush()
		body = reconnected.Body
	}
}

// pumpSSE forwards events from body to the client until the stream ends
// (returns nil on normal EOF) or a read error occurs (returned for the
// caller to decide whether to reconnect). With no interceptor configured it
// runs the pass-through path: SSE framing only, no protocol decode, each
// event re-serialized through a pooled buffer.
func (p *Proxy) pumpSSE(ctx context.Context, body io.Reader, w io.Writer, flusher http.Flusher, upstream *Upstream, sess *session.Session, lastEventID *string) error {
	dec := mcp.NewSSEDecoder(body)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ev.ID != "" {
			*lastEventID = ev.ID
			_ = p.cfg.Sessions.RecordLastEventID(ctx, sess.ID, ev.ID)
		}

		out := ev
		if p.cfg.Interceptor != nil {
			if protoMsg, decErr := mcp.DecodeProtocolMessage([]byte(ev.Data)); decErr == nil {
				envelope := mcp.NewEnvelope(protoMsg, mcp.MessageContext{
					SessionID: sess.ID,
					Direction: mcp.ServerToClient,
					Delivery: mcp.DeliveryContext{
						Transport:    mcp.TransportHTTP,
						ResponseMode: mcp.ResponseModeSSEStream,
						SSE:          &mcp.SSEMetadata{EventID: ev.ID, EventType: ev.EventType, RetryMs: ev.RetryMs},
					},
				})
				processed, interceptErr := p.cfg.Interceptor.Intercept(ctx, envelope)
				if interceptErr != nil {
					p.cfg.Logger.Warn("sse event rejected by interceptor", "error", interceptErr)
					continue
				}
				data, encErr := mcp.EncodeProtocolMessage(processed.Message)
				if encErr == nil {
					out = &mcp.ParsedSSEEvent{ID: ev.ID, EventType: ev.EventType, Data: string(data), RetryMs: ev.RetryMs}
				}
			}
		}

		buf := p.bufPool.Get()
		buf = mcp.AppendSSEEvent(buf, out)
		_, err = w.Write(buf)
		p.bufPool.Put(buf)
		if err != nil {
			return err
		}
		flusher.Flush()
	}
}

func isEventStream(contentType string) bool {
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

func writeJSONResponse(w http.ResponseWriter, msg *mcp.ProtocolMessage) {
	data, err := mcp.EncodeProtocolMessage(msg)
	if err != nil {
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	errResp := mcp.NewErrorResponse(id, code, message, nil)
	writeJSONResponse(w, errResp)
}

// writeJSONRPCErrorStatus writes a JSON-RPC error body under an explicit
// HTTP status, for cases that warrant something other than 200 (auth
// failures, rate limiting) rather than embedding purely in the JSON-RPC
// error code.
func writeJSONRPCErrorStatus(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	if status == http.StatusOK {
		writeJSONRPCError(w, id, code, message)
		return
	}
	errResp := mcp.NewErrorResponse(id, code, message, nil)
	data, err := mcp.EncodeProtocolMessage(errResp)
	if err != nil {
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
