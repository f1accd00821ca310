package auth

import (
	"context"
	"strings"
	"testing"
)

func TestWithOperatorAndFromContext(t *testing.T) {
	ctx := WithOperator(context.Background(), Operator{Identity: "ops@example.com", Method: MethodBearer})
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected Operator in context")
	}
	if got.Identity != "ops@example.com" {
		t.Errorf("Identity = %q, want %q", got.Identity, "ops@example.com")
	}
	if got.Method != MethodBearer {
		t.Errorf("Method = %q, want %q", got.Method, MethodBearer)
	}
	if id := Identity(ctx); id != "ops@example.com" {
		t.Errorf("Identity(ctx) = %q", id)
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected false for missing Operator")
	}
	if id := Identity(context.Background()); id != "" {
		t.Errorf("Identity = %q, want empty", id)
	}
}

func TestCleanIdentity(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  ops@example.com ", "ops@example.com"},
		{"", ""},
		{"deploy bot", "deploy bot"},
		{"evil\r\nX-Injected: 1", ""},
		{"tab\there", ""},
		{strings.Repeat("a", 256), ""},
		{strings.Repeat("a", 255), strings.Repeat("a", 255)},
	}
	for _, tt := range tests {
		if got := CleanIdentity(tt.in); got != tt.want {
			t.Errorf("CleanIdentity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
