package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	cfg := Load()

	if !cfg.DirectoryIsolationEnabled {
		t.Fatal("directory isolation must default on")
	}
	if cfg.ConversationHistoryDepth != 10 {
		t.Fatalf("expected default history depth 10, got %d", cfg.ConversationHistoryDepth)
	}
	if cfg.RetrievalCacheTTL.Hours() != 1 {
		t.Fatalf("expected default retrieval cache TTL of 1h, got %v", cfg.RetrievalCacheTTL)
	}
	if cfg.DisambiguationTTL.Minutes() != 15 {
		t.Fatalf("expected default disambiguation TTL of 15m, got %v", cfg.DisambiguationTTL)
	}
	if cfg.RetrievalCachePersistent {
		t.Fatal("retrieval cache should default to volatile per open question (a)")
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("DIRECTORY_ISOLATION_ENABLED", "false")
	os.Setenv("DISAMBIGUATION_TTL_SEC", "60")
	defer os.Clearenv()

	cfg := Load()
	if cfg.DirectoryIsolationEnabled {
		t.Fatal("expected directory isolation disabled via env override")
	}
	if cfg.DisambiguationTTL.Seconds() != 60 {
		t.Fatalf("expected 60s disambiguation TTL, got %v", cfg.DisambiguationTTL)
	}
}
