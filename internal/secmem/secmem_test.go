package secmem

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestRevealAndZero(t *testing.T) {
	s := NewSecureString("k3y-value")
	if got := s.Reveal(); got != "k3y-value" {
		t.Fatalf("Reveal = %q", got)
	}

	backing := s.data
	s.Zero()
	for i, b := range backing {
		if b != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
	if got := s.Reveal(); got != "" {
		t.Fatalf("Reveal after Zero = %q", got)
	}
	if !s.warned.Load() {
		t.Fatal("reading a wiped secret should warn")
	}

	var nilSecret *SecureString
	nilSecret.Zero()
	if nilSecret.Reveal() != "" || nilSecret.Hint() != "" {
		t.Fatal("nil secret must read as empty")
	}
}

func TestNeverPrinted(t *testing.T) {
	s := NewSecureString("k3y-value")
	for _, format := range []string{"%s", "%v", "%+v", "%#v", "%q", "%x", "%d"} {
		if got := fmt.Sprintf(format, s); got != redacted {
			t.Errorf("Sprintf(%q) = %q", format, got)
		}
	}

	data, err := json.Marshal(struct {
		Key *SecureString `json:"key"`
	}{s})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"key":"[REDACTED]"}` {
		t.Fatalf("json = %s", data)
	}

	out, err := yaml.Marshal(struct {
		Key *SecureString `yaml:"server_key"`
	}{s})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "server_key: '[REDACTED]'\n" {
		t.Fatalf("yaml = %q", out)
	}
}

func TestHint(t *testing.T) {
	cases := map[string]string{
		"abcdefghijkl": "abcd****",
		"short":        "****",
		"":             "",
	}
	for in, want := range cases {
		if got := NewSecureString(in).Hint(); got != want {
			t.Errorf("Hint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConcurrentRevealAndZero(t *testing.T) {
	s := NewSecureString("concurrent")
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Reveal()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Zero()
	}()
	wg.Wait()

	if got := s.Reveal(); got != "" {
		t.Fatalf("Reveal after Zero = %q", got)
	}
}
