package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/quillui/bridge/pkg/cache"
	"github.com/quillui/bridge/pkg/dispatch"
)

// frameHandler handles one routed inbound frame.
type frameHandler func(c *Conn, env Envelope)

// eventTable maps event tags to their domain handlers. Built once at server
// construction; unknown tags get an error reply without disconnecting.
func (s *Server) eventTable() map[string]frameHandler {
	return map[string]frameHandler{
		EventDispatch:      s.handleDispatch,
		EventInputResponse: s.handleInputResponse,
		EventGetSchema:     s.handleGetSchema,
		EventDiscover:      s.handleDiscover,
		EventIntrospect:    s.handleIntrospect,
		EventCacheStats:    s.handleCacheStats,
		EventClearCache:    s.handleClearCache,
		EventSetQueryTTL:   s.handleSetQueryTTL,
		EventBroadcast:     s.handleBroadcast,
	}
}

// handleFrame parses one inbound text frame and routes it by event tag.
// Frame-level failures reply with an error and keep the connection open.
func (s *Server) handleFrame(c *Conn, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("conn %s: panic handling frame: %v", c.id, r)
			_ = c.send(errorReply("", "", KindInternal, "internal error"))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = c.send(errorReply("", "", KindBadFrame, "frame is not a JSON object"))
		return
	}

	if env.Event == "" {
		// Legacy shim: a frame without an event tag but with a top-level
		// command key is treated as a dispatch. Intentionally narrow.
		var probe struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Command != "" {
			env.Event = EventDispatch
			env.Data = raw
		} else {
			_ = c.send(errorReply("", env.ID, KindBadFrame, "missing event tag"))
			return
		}
	}

	handler, ok := s.handlers[env.Event]
	if !ok {
		_ = c.send(errorReply(env.Event, env.ID, KindBadFrame, "unknown event "+env.Event))
		return
	}
	handler(c, env)
}

// handleDispatch queues the command on the connection's serial dispatch
// worker so the read loop keeps running while the command is in flight.
func (s *Server) handleDispatch(c *Conn, env Envelope) {
	select {
	case c.dispatchCh <- env:
	default:
		_ = c.send(errorReply(EventDispatch, env.ID, KindOverloaded, "dispatch queue full"))
	}
}

// runDispatch executes one queued command on the dispatch worker.
func (s *Server) runDispatch(c *Conn, env Envelope) {
	var cmd dispatch.Command
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			_ = c.send(errorReply(EventDispatch, env.ID, KindBadFrame, "malformed dispatch payload"))
			return
		}
	}

	res, err := s.adapter.Execute(c.ctx, cmd, c.authInfo, connHandle{c})
	if err != nil {
		var derr *dispatch.Error
		if errors.As(err, &derr) {
			_ = c.send(errorReply(EventDispatch, env.ID, derr.Kind, derr.Message))
		} else {
			_ = c.send(errorReply(EventDispatch, env.ID, KindCommandError, err.Error()))
		}
		return
	}

	_ = c.send(okReply(EventDispatch, env.ID, map[string]any{
		"rows":   res.Data,
		"cached": res.Cached,
	}))

	if dispatch.Mutating(cmd.Key) && s.broadcastOnMutation {
		s.Broadcast(serverEvent(EventDataUpdated, "", map[string]any{"model": cmd.Model}), c.id)
	}
}

// handleInputResponse correlates a client reply with its pending prompt.
// Unknown ids are logged and dropped; no reply is sent either way.
func (s *Server) handleInputResponse(c *Conn, env Envelope) {
	var payload struct {
		Value any `json:"value"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			_ = c.send(errorReply(EventInputResponse, env.ID, KindBadFrame, "malformed input_response payload"))
			return
		}
	}
	if !s.prompts.Resolve(env.ID, payload.Value) {
		s.logger.Warnf("conn %s: input_response for unknown request id %q", c.id, env.ID)
	}
}

func (s *Server) handleGetSchema(c *Conn, env Envelope) {
	var payload struct {
		Name string `json:"name"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}
	if payload.Name == "" {
		_ = c.send(errorReply(EventGetSchema, env.ID, KindBadFrame, "missing schema name"))
		return
	}
	if s.schemas == nil {
		_ = c.send(errorReply(EventGetSchema, env.ID, KindNotFound, "no schema provider configured"))
		return
	}

	body, err := s.cache.GetSchema(payload.Name, s.schemas.IntrospectModel)
	if err != nil {
		_ = c.send(schemaError(EventGetSchema, env.ID, payload.Name, err))
		return
	}
	_ = c.send(okReply(EventGetSchema, env.ID, map[string]any{
		"name":   payload.Name,
		"schema": body,
	}))
}

// schemaError maps a schema load failure onto the wire taxonomy: an empty
// body means the provider does not know the model, anything else is a
// provider fault and must not masquerade as a missing model.
func schemaError(event, id, name string, err error) Reply {
	if errors.Is(err, cache.ErrEmptySchema) {
		return errorReply(event, id, KindNotFound, "unknown model "+name)
	}
	return errorReply(event, id, KindInternal, "loading schema "+name+" failed")
}

func (s *Server) handleDiscover(c *Conn, env Envelope) {
	_ = c.send(okReply(EventDiscover, env.ID, map[string]any{
		"models": s.modelDescriptors(),
	}))
}

func (s *Server) handleIntrospect(c *Conn, env Envelope) {
	var payload struct {
		Name string `json:"name"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}
	if payload.Name == "" {
		_ = c.send(errorReply(EventIntrospect, env.ID, KindBadFrame, "missing model name"))
		return
	}
	if s.schemas == nil {
		_ = c.send(errorReply(EventIntrospect, env.ID, KindNotFound, "no schema provider configured"))
		return
	}

	body, err := s.cache.GetSchema(payload.Name, s.schemas.IntrospectModel)
	if err != nil {
		_ = c.send(schemaError(EventIntrospect, env.ID, payload.Name, err))
		return
	}
	_ = c.send(okReply(EventIntrospect, env.ID, map[string]any{
		"name":       payload.Name,
		"schema":     body,
		"operations": s.modelOperations(payload.Name),
	}))
}

func (s *Server) handleCacheStats(c *Conn, env Envelope) {
	_ = c.send(okReply(EventCacheStats, env.ID, s.cache.Stats()))
}

func (s *Server) handleClearCache(c *Conn, env Envelope) {
	payload := struct {
		Kind string `json:"kind"`
	}{Kind: "all"}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}

	if err := s.cache.Clear(payload.Kind); err != nil {
		_ = c.send(errorReply(EventClearCache, env.ID, KindBadFrame, err.Error()))
		return
	}
	_ = c.send(okReply(EventClearCache, env.ID, map[string]any{"cleared": payload.Kind}))
}

func (s *Server) handleSetQueryTTL(c *Conn, env Envelope) {
	var payload struct {
		Seconds int `json:"seconds"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &payload)
	}
	if payload.Seconds <= 0 {
		_ = c.send(errorReply(EventSetQueryTTL, env.ID, KindBadFrame, "seconds must be positive"))
		return
	}

	s.cache.SetDefaultQueryTTL(time.Duration(payload.Seconds) * time.Second)
	_ = c.send(okReply(EventSetQueryTTL, env.ID, map[string]any{"seconds": payload.Seconds}))
}

// handleBroadcast re-emits a client frame to all other peers. Gated behind
// the allow_client_broadcast feature flag, which defaults to off.
func (s *Server) handleBroadcast(c *Conn, env Envelope) {
	if !s.allowClientBroadcast.Load() {
		_ = c.send(errorReply(EventBroadcast, env.ID, KindPolicy, "client broadcast disabled"))
		return
	}

	var data any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			_ = c.send(errorReply(EventBroadcast, env.ID, KindBadFrame, "malformed broadcast payload"))
			return
		}
	}

	s.Broadcast(serverEvent(EventBroadcast, "", map[string]any{
		"from": c.id,
		"data": data,
	}), c.id)
	_ = c.send(okReply(EventBroadcast, env.ID, map[string]any{"delivered": true}))
}
