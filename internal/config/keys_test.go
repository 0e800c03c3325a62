package config

import (
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKeysFollowConfigFields(t *testing.T) {
	var names []string
	for _, k := range Keys() {
		names = append(names, k.Name)
	}
	want := []string{
		"auth.header",
		"auth.token",
		"data_dir",
		"dev_server.addr",
		"export.concurrency",
		"health.schedule",
		"log_level",
		"server.timeout_seconds",
		"server.url",
		"session.assistant_chunks",
		"session.interruption",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupKey(t *testing.T) {
	k, ok := LookupKey("server.timeout_seconds")
	if !ok || k.Kind != reflect.Int || k.Secret {
		t.Errorf("unexpected key %+v (found=%v)", k, ok)
	}
	if _, ok := LookupKey("server"); ok {
		t.Error("sections are not keys")
	}
	if _, ok := LookupKey("nonexistent.key"); ok {
		t.Error("expected unknown key to be missing")
	}
	if !IsSecretKey("auth.token") || IsSecretKey("auth.header") || IsSecretKey("nope") {
		t.Error("only auth.token is secret")
	}
}

func TestKeyGetAndSet(t *testing.T) {
	cfg := defaults()
	url, _ := LookupKey("server.url")
	conc, _ := LookupKey("export.concurrency")

	if err := url.Set(cfg, "https://chat.example.com"); err != nil {
		t.Fatal(err)
	}
	if err := conc.Set(cfg, "12"); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "https://chat.example.com" || cfg.Export.Concurrency != 12 {
		t.Errorf("fields not updated: %+v", cfg)
	}
	if got := conc.Get(cfg); got != 12 {
		t.Errorf("expected 12, got %v (%T)", got, got)
	}
	if err := conc.Set(cfg, "1.5"); err == nil {
		t.Error("expected error for a fractional number")
	}
	if cfg.Export.Concurrency != 12 {
		t.Errorf("failed set must not change the field, got %d", cfg.Export.Concurrency)
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"tok-123456", "***3456"},
		{"abcd", "***abcd"},
		{"ab", "***ab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
