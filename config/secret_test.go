package config

import (
	"context"
	"errors"
	"testing"
)

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("RULEOPS_TEST_HOST", "rules.internal")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://${RULEOPS_TEST_HOST}/v1", "https://rules.internal/v1", false},
		{"$RULEOPS_TEST_HOST", "rules.internal", false},
		{"cost $$5", "cost $5", false},
		{"$$${RULEOPS_TEST_HOST}", "$rules.internal", false},
		{"${RULEOPS_TEST_MISSING}", "", true},
		{"plain", "plain", false},
	}
	for _, tt := range tests {
		got, err := ExpandEnvStrict(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExpandEnvStrict(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ExpandEnvStrict(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		ref      string
		ok       bool
	}{
		{"secretref:env:TOKEN", "env", "TOKEN", true},
		{"secretref:file:/run/secrets/key", "file", "/run/secrets/key", true},
		{"secretref:vault:kv/data/app:key", "vault", "kv/data/app:key", true},
		{"secretref:env:", "", "", false},
		{"secretref::x", "", "", false},
		{"Bearer secretref:env:TOKEN", "", "", false},
		{"plain", "", "", false},
	}
	for _, tt := range tests {
		p, r, ok := ParseSecretRef(tt.in)
		if p != tt.provider || r != tt.ref || ok != tt.ok {
			t.Errorf("ParseSecretRef(%q) = %q, %q, %v", tt.in, p, r, ok)
		}
	}
}

type stubProvider map[string]string

func (stubProvider) Name() string { return "stub" }

func (s stubProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestResolver_ResolveValue(t *testing.T) {
	r := NewResolver(true, stubProvider{"a": "alpha", "b": "beta", "empty": ""})
	ctx := context.Background()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"secretref:stub:a", "alpha", false},
		{"user=secretref:stub:a pass=secretref:stub:b", "user=alpha pass=beta", false},
		{"secretref:stub:missing", "", true},
		{"secretref:stub:empty", "", true},
		{"secretref:other:a", "", true},
		{"no refs", "no refs", false},
	}
	for _, tt := range tests {
		got, err := r.ResolveValue(ctx, tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveValue(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	lenient := NewResolver(false, stubProvider{"empty": ""})
	if got, err := lenient.ResolveValue(ctx, "secretref:stub:empty"); err != nil || got != "" {
		t.Errorf("lenient ResolveValue() = %q, %v", got, err)
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("RULEOPS_TEST_TOKEN", "tkn")
	got, err := DefaultResolver().ResolveValue(context.Background(), "secretref:env:RULEOPS_TEST_TOKEN")
	if err != nil || got != "tkn" {
		t.Errorf("ResolveValue() = %q, %v", got, err)
	}
	if _, err := (EnvProvider{}).Resolve(context.Background(), "RULEOPS_TEST_ABSENT"); !errors.Is(err, ErrMissingEnv) {
		t.Errorf("Resolve(absent) error = %v", err)
	}
}
