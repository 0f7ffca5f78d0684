package credentials

import (
	"os"
	"testing"
	"time"
)

func TestSetGetRemove(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Set("anthropic", Record{Type: TypeAPI, Key: "sk-test"}); err != nil {
		t.Fatal(err)
	}
	r, ok, err := s.Get("anthropic")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if r.Key != "sk-test" || r.Type != TypeAPI {
		t.Fatalf("unexpected record: %+v", r)
	}

	if err := s.Remove("anthropic"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("anthropic"); ok {
		t.Fatal("record survived removal")
	}
	// Removing again is a no-op.
	if err := s.Remove("anthropic"); err != nil {
		t.Fatal(err)
	}
}

func TestAuthFileModeIsOwnerOnly(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Set("openai", Record{Type: TypeAPI, Key: "sk"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("auth file mode %v, want 0600", info.Mode().Perm())
	}
}

func TestMissingFileYieldsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())
	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %v", all)
	}
}

func TestProvidersSorted(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.Set(id, Record{Type: TypeAPI, Key: "k"}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.Providers()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "mid", "zeta"}
	for n := range want {
		if ids[n] != want[n] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestOAuthExpiry(t *testing.T) {
	past := Record{Type: TypeOAuth, Access: "a", Expires: time.Now().Add(-time.Hour).UnixMilli()}
	if !past.Expired() {
		t.Fatal("past expiry should report expired")
	}
	future := Record{Type: TypeOAuth, Access: "a", Expires: time.Now().Add(time.Hour).UnixMilli()}
	if future.Expired() {
		t.Fatal("future expiry should not report expired")
	}
	noExpiry := Record{Type: TypeOAuth, Access: "a"}
	if noExpiry.Expired() {
		t.Fatal("zero expiry means no expiry")
	}
	apiKey := Record{Type: TypeAPI, Key: "k", Expires: 1}
	if apiKey.Expired() {
		t.Fatal("api records never expire")
	}
}
