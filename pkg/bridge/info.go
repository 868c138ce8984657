package bridge

import (
	"github.com/quillui/bridge/pkg/version"
)

// SchemaProvider is the external schema collaborator. A nil body with a nil
// error means the model is unknown.
type SchemaProvider interface {
	ListModels() []string
	IntrospectModel(name string) (map[string]any, error)
}

// SessionProvider supplies the minimal session snapshot included in the
// info frame. Optional.
type SessionProvider interface {
	Snapshot() map[string]any
}

// ModelDescriptor is one entry of the discover reply.
type ModelDescriptor struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

// defaultOperations apply when a schema does not declare its own.
var defaultOperations = []string{"list", "get", "create", "update", "delete"}

// serverInfo assembles the info frame payload. Computed on demand so cache
// statistics and the model list reflect live state.
func (s *Server) serverInfo(c *Conn) map[string]any {
	session := map[string]any{
		"identity":  c.authInfo.Identity,
		"role":      c.authInfo.Role,
		"anonymous": c.authInfo.Identity == "anonymous",
	}
	if s.sessions != nil {
		for k, v := range s.sessions.Snapshot() {
			session[k] = v
		}
	}

	return map[string]any{
		"server_version": version.APIVersion(),
		"features":       s.features(),
		"cache":          s.cache.Stats(),
		"models":         s.modelDescriptors(),
		"session":        session,
	}
}

func (s *Server) features() []string {
	features := []string{"schema_cache", "query_cache", "input_prompts"}
	if s.allowClientBroadcast.Load() {
		features = append(features, "broadcast")
	}
	return features
}

// modelDescriptors lists discoverable models with their supported
// operations. An unavailable provider yields an empty list, never an error.
func (s *Server) modelDescriptors() []ModelDescriptor {
	if s.schemas == nil {
		return []ModelDescriptor{}
	}

	names := s.schemas.ListModels()
	descriptors := make([]ModelDescriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, ModelDescriptor{
			Name:       name,
			Operations: s.modelOperations(name),
		})
	}
	return descriptors
}

// modelOperations reads the schema's declared operations through the cache,
// falling back to the default CRUD set.
func (s *Server) modelOperations(name string) []string {
	body, err := s.cache.GetSchema(name, s.schemas.IntrospectModel)
	if err != nil {
		return defaultOperations
	}
	raw, ok := body["operations"].([]any)
	if !ok {
		return defaultOperations
	}
	ops := make([]string, 0, len(raw))
	for _, op := range raw {
		if str, ok := op.(string); ok {
			ops = append(ops, str)
		}
	}
	if len(ops) == 0 {
		return defaultOperations
	}
	return ops
}
