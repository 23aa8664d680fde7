package contentkind

import (
	"testing"

	"github.com/wikicache/wikicache/internal/fetch"
)

type pathKeys struct{}

func (pathKeys) ItemKey(req fetch.Request) (string, bool) {
	parsed, err := req.Parsed()
	if err != nil {
		return "", false
	}
	return parsed.Host + parsed.Path, true
}

func (pathKeys) Variant(fetch.Request) string { return "" }

func replaceRegistry(t *testing.T) func() {
	t.Helper()
	prev := globalRegistry
	globalRegistry = newRegistry()
	return func() { globalRegistry = prev }
}

func TestRegisterLookupAndList(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Metadata{Key: "beta", Keys: pathKeys{}}); err != nil {
		t.Fatalf("register beta failed: %v", err)
	}
	if err := Register(Metadata{Key: "gamma", Keys: pathKeys{}, ManifestKind: ManifestArticle}); err != nil {
		t.Fatalf("register gamma failed: %v", err)
	}

	beta, ok := Lookup("BETA")
	if !ok {
		t.Fatalf("lookup should be case-insensitive")
	}
	if beta.ManifestKind != ManifestSingle {
		t.Fatalf("manifest kind should default to single, got %s", beta.ManifestKind)
	}
	if beta.VariantPolicyOrDefault() == nil {
		t.Fatalf("expected default variant policy")
	}

	keys := Keys()
	if len(keys) != 2 || keys[0] != "beta" || keys[1] != "gamma" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestRegisterRejectsDuplicatesAndMissingGenerator(t *testing.T) {
	cleanup := replaceRegistry(t)
	defer cleanup()

	if err := Register(Metadata{Key: "article", Keys: pathKeys{}}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := Register(Metadata{Key: "article", Keys: pathKeys{}}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := Register(Metadata{Key: "nokeys"}); err == nil {
		t.Fatalf("registration without key generator should fail")
	}
}

func TestFileNameIsStableAndNormalized(t *testing.T) {
	composed := FileName("en.wikipedia.org/wiki/Caf\u00e9", "")
	decomposed := FileName("en.wikipedia.org/wiki/Cafe\u0301", "")
	if composed != decomposed {
		t.Fatalf("precomposed and decomposed forms should hash identically")
	}
	if len(composed) != 64 {
		t.Fatalf("expected sha-256 hex name, got %q", composed)
	}
	if FileName("k", "zh-hans") == FileName("k", "") {
		t.Fatalf("variant must change the file name")
	}
	if FileName("k", "v") != FileName("k", "v") {
		t.Fatalf("file name must be deterministic")
	}

	header := HeaderFileName("k", "v")
	if header != FileName("k", "v")+"__Header" {
		t.Fatalf("unexpected header name %q", header)
	}
	if !IsHeaderFileName(header) || IsHeaderFileName(FileName("k", "v")) {
		t.Fatalf("header detection mismatch")
	}
}

func TestResolveSkipsUnparseable(t *testing.T) {
	if _, ok := Resolve(pathKeys{}, fetch.NewRequest("::bad")); ok {
		t.Fatalf("unparseable locator should not resolve")
	}
	id, ok := Resolve(pathKeys{}, fetch.NewRequest("https://en.wikipedia.org/wiki/Dog"))
	if !ok || id.ItemKey != "en.wikipedia.org/wiki/Dog" {
		t.Fatalf("unexpected identifier %+v", id)
	}
	if id.String() != "en.wikipedia.org/wiki/Dog" {
		t.Fatalf("unexpected string form %s", id)
	}
}
