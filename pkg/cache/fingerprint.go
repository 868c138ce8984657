package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Key identifies a cached query result. Kind and Model stay addressable so
// mutation handling can invalidate per model without re-deriving them from
// the digest.
type Key struct {
	Kind   string
	Model  string
	Digest string
}

func (k Key) String() string {
	return k.Kind + ":" + k.Model + ":" + k.Digest
}

// Fingerprint derives a deterministic Key over {kind, model, params} such
// that semantically equal commands collide.
//
// Parameter normalization relies on encoding/json sorting map keys
// alphabetically at every nesting level, so two maps with the same entries
// always produce the same bytes. A nil value encodes as JSON null, which is
// distinct from the key being absent.
func Fingerprint(kind, model string, params map[string]any) Key {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	if params != nil {
		// Marshal of map[string]any cannot fail for JSON-decoded input;
		// anything unmarshalable came from a caller bug and hashes as empty.
		if data, err := json.Marshal(params); err == nil {
			h.Write(data)
		}
	}
	return Key{
		Kind:   kind,
		Model:  model,
		Digest: hex.EncodeToString(h.Sum(nil))[:16],
	}
}
