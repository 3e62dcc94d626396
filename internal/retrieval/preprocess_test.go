package retrieval

import (
	"reflect"
	"testing"
)

func TestPreprocessQuery(t *testing.T) {
	result := PreprocessQuery("  What   is the Token TTL?? ")
	if result.Rewritten != "what is the token ttl" {
		t.Errorf("Unexpected rewritten query %q", result.Rewritten)
	}
	if !result.Changed {
		t.Error("Expected changed=true")
	}
	if !reflect.DeepEqual(result.Tokens, []string{"what", "is", "the", "token", "ttl"}) {
		t.Errorf("Unexpected tokens %v", result.Tokens)
	}
}

func TestPreprocessQueryPreservesURIs(t *testing.T) {
	result := PreprocessQuery("lookup Project://Auth/Tokens now")
	if result.Rewritten != "lookup Project://Auth/Tokens now" {
		t.Errorf("URI must pass through verbatim, got %q", result.Rewritten)
	}
}

func TestPreprocessQueryPreservesNonASCII(t *testing.T) {
	result := PreprocessQuery("Résumé Überblick")
	if result.Rewritten != "Résumé Überblick" {
		t.Errorf("Non-ASCII tokens must pass through verbatim, got %q", result.Rewritten)
	}
}

func TestPreprocessQueryUnchanged(t *testing.T) {
	result := PreprocessQuery("plain query")
	if result.Changed {
		t.Error("Identity preprocess must report changed=false")
	}
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Auth-token: refresh_v2, every 15min!")
	expected := []string{"auth", "token", "refresh", "v2", "every", "15min"}
	if !reflect.DeepEqual(tokens, expected) {
		t.Errorf("Expected %v, got %v", expected, tokens)
	}
}
