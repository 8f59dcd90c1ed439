package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"title":"Take a break","body":"Stand up for five minutes."}`, false},
		{"empty body allowed", `{"title":"Take a break","body":""}`, false},
		{"missing body", `{"title":"Take a break"}`, true},
		{"empty title", `{"title":"","body":"x"}`, true},
		{"wrong type", `{"title":3,"body":"x"}`, true},
		{"extra field", `{"title":"a","body":"b","emoji":"x"}`, true},
		{"malformed", `{not json}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateResponse(copySchema(), json.RawMessage(tt.raw))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var inv *ErrInvalidResponse
			if !errors.As(err, &inv) {
				t.Fatalf("expected ErrInvalidResponse, got %T (%v)", err, err)
			}
			if string(inv.Content) != tt.raw {
				t.Fatalf("content not carried: %s", inv.Content)
			}
		})
	}
}

func TestValidateResponse_NilSchema(t *testing.T) {
	if err := validateResponse(nil, json.RawMessage(`plain text`)); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestMockProvider_ValidatesAgainstSchema(t *testing.T) {
	mock := NewMockProvider(MockResponse{Content: json.RawMessage(`{"title":""}`)})
	_, err := mock.Generate(t.Context(), Request{Schema: copySchema()})
	var inv *ErrInvalidResponse
	if !errors.As(err, &inv) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if len(mock.Calls()) != 1 {
		t.Fatalf("expected the call to be recorded")
	}
}
