package securemem

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestNewString(t *testing.T) {
	plaintext := "test-secret-123"
	s := NewString(plaintext)
	defer s.Destroy()

	if s.Reveal() != plaintext {
		t.Errorf("expected %q, got %q", plaintext, s.Reveal())
	}
	if s.Len() != len(plaintext) {
		t.Errorf("expected length %d, got %d", len(plaintext), s.Len())
	}
	if s.IsEmpty() {
		t.Error("secret should not be empty")
	}
}

func TestNewStringFromBytesWipesInput(t *testing.T) {
	input := []byte("abcd")
	s := NewStringFromBytes(input)
	defer s.Destroy()

	for i, b := range input {
		if b != 0 {
			t.Fatalf("byte %d not wiped: %x", i, b)
		}
	}
	if s.Reveal() != "abcd" {
		t.Errorf("expected abcd, got %q", s.Reveal())
	}
}

func TestStringEqual(t *testing.T) {
	s := NewString("secret")
	defer s.Destroy()

	if !s.Equal("secret") {
		t.Error("Equal should return true for matching strings")
	}
	if s.Equal("different") {
		t.Error("Equal should return false for non-matching strings")
	}
	if !NewString("").Equal("") {
		t.Error("empty secret should equal empty string")
	}
}

func TestStringRedaction(t *testing.T) {
	s := NewString("sk-live-123")
	if got := fmt.Sprintf("%v", s); got != redacted {
		t.Errorf("expected redacted format, got %q", got)
	}
	raw, err := json.Marshal(struct {
		Key *String `json:"key"`
	}{Key: s})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"key":"[REDACTED]"}` {
		t.Errorf("unexpected JSON %s", raw)
	}
}

func TestStringDestroy(t *testing.T) {
	s := NewString("secret")
	s.Destroy()
	if !s.IsEmpty() || s.Len() != 0 || s.Reveal() != "" {
		t.Error("destroyed secret should be empty")
	}

	var nilString *String
	nilString.Destroy()
	if !nilString.IsEmpty() {
		t.Error("nil secret should be empty")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("REFLEXION_TEST_KEY", "  from-env  ")
	s, err := FromEnv("REFLEXION_TEST_KEY")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if s.Reveal() != "from-env" {
		t.Errorf("expected trimmed value, got %q", s.Reveal())
	}

	if _, err := FromEnv("REFLEXION_TEST_KEY_UNSET"); err == nil {
		t.Error("expected error for unset variable")
	}
	if _, err := FromEnv(" "); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestKeyring(t *testing.T) {
	k := NewKeyring()
	first := NewString("one")
	k.Set("anthropic", first)
	k.Set("anthropic", NewString("two"))
	k.Set("openai", NewString("three"))

	if !first.IsEmpty() {
		t.Error("replaced key should be destroyed")
	}
	if got := k.Get("anthropic").Reveal(); got != "two" {
		t.Errorf("expected two, got %q", got)
	}
	if k.Get("google") != nil {
		t.Error("expected nil for missing provider")
	}
	if got := k.Providers(); len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Errorf("unexpected providers %v", got)
	}

	t.Setenv("REFLEXION_TEST_GOOGLE", "g")
	if err := k.LoadEnv("google", "REFLEXION_TEST_GOOGLE"); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if err := k.LoadEnv("mistral", "REFLEXION_TEST_UNSET_VAR"); err == nil {
		t.Error("expected error for unset variable")
	}

	k.Clear()
	if len(k.Providers()) != 0 {
		t.Error("expected empty keyring after Clear")
	}
}
