package common

import (
	"strings"
	"testing"
)

func TestRandomMoniker(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := RandomMoniker()
		parts := strings.Split(m, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			t.Fatalf("bad moniker %q", m)
		}
	}
}

func TestLocalAddress(t *testing.T) {
	if addr := LocalAddress(); addr == "" {
		t.Fatal("LocalAddress returned an empty string")
	}
}
