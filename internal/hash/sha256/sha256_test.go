package sha256

import "testing"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Hash([]byte("hello world"))
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := h.HashString("hello world"); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

func TestHasherDistinguishesURLs(t *testing.T) {
	t.Parallel()

	h := New()
	if h.HashString("https://a.example/") == h.HashString("https://a.example/x") {
		t.Fatal("expected different digests for different urls")
	}
}
