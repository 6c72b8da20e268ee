package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDistinguishesUnsetAndEmptyDBPath(t *testing.T) {
	t.Setenv("POS_DB_PATH", "")
	if got := Load().DBPath; got != "" {
		t.Fatalf("expected empty DBPath for explicitly empty POS_DB_PATH, got %q", got)
	}

	t.Setenv("POS_DB_PATH", "/tmp/pos-test.db")
	if got := Load().DBPath; got != "/tmp/pos-test.db" {
		t.Fatalf("expected DBPath override, got %q", got)
	}
}
