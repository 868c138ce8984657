package cache

import "testing"

func TestFingerprintParamOrderInsensitive(t *testing.T) {
	a := Fingerprint("list_users", "users", map[string]any{"page": 1, "filter": "active"})
	b := Fingerprint("list_users", "users", map[string]any{"filter": "active", "page": 1})
	if a != b {
		t.Fatalf("same params in different insertion order must collide: %s vs %s", a, b)
	}
}

func TestFingerprintDistinguishesComponents(t *testing.T) {
	base := Fingerprint("list_users", "users", map[string]any{"page": 1})

	if other := Fingerprint("get_users", "users", map[string]any{"page": 1}); other == base {
		t.Fatal("different kind must produce a different key")
	}
	if other := Fingerprint("list_users", "orders", map[string]any{"page": 1}); other == base {
		t.Fatal("different model must produce a different key")
	}
	if other := Fingerprint("list_users", "users", map[string]any{"page": 2}); other == base {
		t.Fatal("different params must produce a different key")
	}
}

func TestFingerprintNullVersusAbsent(t *testing.T) {
	withNull := Fingerprint("list_users", "users", map[string]any{"filter": nil})
	absent := Fingerprint("list_users", "users", map[string]any{})
	if withNull == absent {
		t.Fatal("an explicit null parameter is distinct from an absent one")
	}
}

func TestFingerprintNilAndEmptyParams(t *testing.T) {
	nilParams := Fingerprint("list_users", "users", nil)
	if nilParams.Digest == "" || len(nilParams.Digest) != 16 {
		t.Fatalf("unexpected digest %q", nilParams.Digest)
	}
	if nilParams.Kind != "list_users" || nilParams.Model != "users" {
		t.Fatalf("kind and model must stay addressable: %+v", nilParams)
	}
}

func TestFingerprintNestedMaps(t *testing.T) {
	a := Fingerprint("find_users", "users", map[string]any{
		"where": map[string]any{"role": "admin", "active": true},
	})
	b := Fingerprint("find_users", "users", map[string]any{
		"where": map[string]any{"active": true, "role": "admin"},
	})
	if a != b {
		t.Fatal("nested map key order must not change the fingerprint")
	}
}
