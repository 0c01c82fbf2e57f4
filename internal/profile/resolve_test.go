package profile

import (
	"testing"

	"github.com/matheus3301/howudoin/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("HOWUDOIN_HOME", t.TempDir())

	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultName)
	}

	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}
	if got := Resolve("play"); got != "play" {
		t.Errorf("Resolve(play) = %q, want play", got)
	}
}
