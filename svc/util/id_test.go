package util

import (
	"strings"
	"testing"
)

func TestGenerateShape(t *testing.T) {
	for _, uniform := range []bool{false, true} {
		g := NewIDGen(uniform)
		for i := 0; i < 200; i++ {
			id, err := g.Generate()
			if err != nil {
				t.Fatalf("Generate(uniform=%v) failed: %v", uniform, err)
			}
			if !ValidID(id) {
				t.Fatalf("Generate(uniform=%v) produced invalid id %q", uniform, id)
			}
		}
	}
}

func TestGenerateModuloMapping(t *testing.T) {
	g := NewIDGen(false)
	g.read = func(b []byte) (int, error) {
		src := []byte{0, 61, 62, 123, 124, 255, 10, 36}
		copy(b, src)
		return len(b), nil
	}
	id, err := g.Generate()
	if err != nil {
		t.Fatal(err)
	}
	// 0->0, 61->z, 62->0, 123->z, 124->0, 255->7, 10->A, 36->a
	if id != "0z0z07Aa" {
		t.Errorf("Generate() = %q, want %q", id, "0z0z07Aa")
	}
}

func TestGenerateDistinct(t *testing.T) {
	g := NewIDGen(false)
	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestValidID(t *testing.T) {
	bad := []string{"", "short", "toolong123", "abc-defg", "../../et", strings.Repeat("a", 9)}
	for _, id := range bad {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
	if !ValidID("aZ09bY18") {
		t.Error("ValidID rejected a well-formed id")
	}
}
