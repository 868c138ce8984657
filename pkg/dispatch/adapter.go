package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/quillui/bridge/pkg/auth"
	"github.com/quillui/bridge/pkg/cache"
	"github.com/quillui/bridge/pkg/log"
	"github.com/quillui/bridge/pkg/prompt"
)

// Package dispatch is the call boundary between the bridge and the external
// command layer. The adapter handles cache consultation, result caching and
// mutation invalidation around the collaborator's Dispatch call; the
// dispatcher itself may block on I/O and may prompt the calling client for
// input through the ConnectionHandle capability.

// Command is a wire-level command invocation.
type Command struct {
	Key   string         `json:"command"`
	Model string         `json:"model,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
}

// Result is the adapter's reply to the message handler.
type Result struct {
	Data   any
	Cached bool
}

// Dispatcher is the external command-layer collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command, caller auth.Info, conn ConnectionHandle) (any, error)
}

// ConnectionHandle is the narrow capability handed to the dispatcher so it
// can ask the originating client for input mid-operation. It never exposes
// the connection object itself.
type ConnectionHandle interface {
	ID() string
	Prompt(ctx context.Context, descriptor map[string]any) (any, error)
}

// Error carries the wire taxonomy kind alongside the message.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Command verb classes. Read verbs are cacheable by default; mutation verbs
// are never cached and invalidate query entries on success. Unknown verbs
// are treated as mutations so a miscategorized command can never serve
// stale data.
var (
	readVerbs = map[string]bool{
		"list": true, "get": true, "lookup": true, "find": true,
		"introspect": true, "discover": true, "describe": true, "count": true,
	}
	mutationVerbs = map[string]bool{
		"create": true, "update": true, "delete": true, "set": true,
		"add": true, "remove": true, "write": true, "import": true,
	}
)

func verbOf(key string) string {
	verb, _, _ := strings.Cut(key, "_")
	return verb
}

// Cacheable reports whether results for the command key may be cached.
func Cacheable(key string) bool {
	return readVerbs[verbOf(key)]
}

// Mutating reports whether the command key must invalidate cached queries.
func Mutating(key string) bool {
	return !Cacheable(key)
}

// TTLPolicy returns the cache TTL for a command key.
type TTLPolicy func(key string) time.Duration

// Adapter wraps the external dispatcher with caching and invalidation.
type Adapter struct {
	dispatcher Dispatcher
	cache      *cache.Cache
	ttlFor     TTLPolicy
	logger     *log.Logger
}

// NewAdapter builds an adapter. ttlFor may be nil, in which case the cache's
// default TTL applies to every command.
func NewAdapter(dispatcher Dispatcher, c *cache.Cache, ttlFor TTLPolicy) *Adapter {
	return &Adapter{
		dispatcher: dispatcher,
		cache:      c,
		ttlFor:     ttlFor,
		logger:     log.ForComponent("dispatch"),
	}
}

// Execute runs one command. Callers run it off the connection's read loop so
// a blocking dispatcher (or one waiting on a prompt reply) never stalls
// frame delivery.
//
// Invalidation policy: a successful mutation removes the query entries for
// the command's model; when the command names no model, all query entries
// are cleared.
func (a *Adapter) Execute(ctx context.Context, cmd Command, caller auth.Info, conn ConnectionHandle) (Result, error) {
	if cmd.Key == "" {
		return Result{}, &Error{Kind: "bad_frame", Message: "missing command key"}
	}

	cacheable := Cacheable(cmd.Key)
	var key cache.Key
	if cacheable {
		key = cache.Fingerprint(cmd.Key, cmd.Model, cmd.Args)
		if payload, ok := a.cache.GetQuery(key); ok {
			a.logger.Debugf("cache hit for %s", key)
			return Result{Data: payload, Cached: true}, nil
		}
	}

	data, err := a.dispatcher.Dispatch(ctx, cmd, caller, conn)
	if err != nil {
		return Result{}, wireError(err)
	}

	if cacheable {
		ttl := time.Duration(0)
		if a.ttlFor != nil {
			ttl = a.ttlFor(cmd.Key)
		}
		a.cache.PutQuery(key, data, ttl)
	} else {
		removed := a.cache.InvalidateModel(cmd.Model)
		a.logger.Debugf("mutation %s invalidated %d query entries", cmd.Key, removed)
	}

	return Result{Data: data, Cached: false}, nil
}

// wireError maps dispatcher failures onto the error taxonomy.
func wireError(err error) error {
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	switch {
	case errors.Is(err, prompt.ErrCancelled), errors.Is(err, context.Canceled):
		return &Error{Kind: "cancelled", Message: "operation cancelled"}
	case errors.Is(err, prompt.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: "timeout", Message: "operation timed out"}
	case errors.Is(err, prompt.ErrPending):
		return &Error{Kind: "command_error", Message: err.Error()}
	default:
		return &Error{Kind: "command_error", Message: err.Error()}
	}
}
