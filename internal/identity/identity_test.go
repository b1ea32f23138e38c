package identity

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalNumber(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`42`), &id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Errorf("expected 42, got %d", id)
	}
}

func TestUnmarshalNumericString(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"42"`), &id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 42 {
		t.Errorf("expected 42, got %d", id)
	}
}

func TestUnmarshalRejectsNonNumeric(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"abc"`), &id); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Fatal("expected error for boolean")
	}
}

func TestMarshalEmitsNumber(t *testing.T) {
	data, err := json.Marshal(ID(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "7" {
		t.Errorf("expected 7, got %s", data)
	}
}

func TestStringAndParseRoundTrip(t *testing.T) {
	id, err := Parse(ID(123).String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 123 {
		t.Errorf("expected 123, got %d", id)
	}
}
