package tonconnect

import (
	"net/url"
	"strings"
	"testing"
)

func TestGenerateUniversalURL(t *testing.T) {
	const request = `{"manifestUrl":"https://example.com/manifest.json","items":[{"name":"ton_addr"}]}`
	const sessionID = "ab12"

	got := GenerateUniversalURL("https://app.tonkeeper.com/ton-connect", sessionID, request)

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse generated url: %v", err)
	}
	q := u.Query()
	if q.Get("v") != "2" {
		t.Fatalf("expected v=2, got %q", q.Get("v"))
	}
	if q.Get("id") != sessionID {
		t.Fatalf("expected id=%s, got %q", sessionID, q.Get("id"))
	}
	if q.Get("r") != request {
		t.Fatalf("request did not round-trip through url encoding: %q", q.Get("r"))
	}

	again := GenerateUniversalURL("https://app.tonkeeper.com/ton-connect", sessionID, request)
	if got != again {
		t.Fatal("expected identical output for identical inputs")
	}
}

func TestGenerateUniversalURLAppendsToExistingQuery(t *testing.T) {
	got := GenerateUniversalURL("https://t.example/wallet?attach=x", "cd34", "{}")
	if strings.Count(got, "?") != 1 {
		t.Fatalf("expected a single query separator, got %s", got)
	}
}

func TestGenerateUniversalURLTelegram(t *testing.T) {
	got := GenerateUniversalURL("https://t.me/wallet?attach=wallet", "ab", `{"manifestUrl":"https://ex.am/m.json"}`)

	if !strings.Contains(got, "startattach=tonconnect-") {
		t.Fatalf("expected a startattach parameter, got %s", got)
	}
	attach := got[strings.Index(got, "startattach=")+len("startattach="):]
	for _, forbidden := range []string{"=", "&", "+", ".", "%"} {
		if strings.Contains(attach, forbidden) {
			t.Fatalf("startattach value contains unescaped %q: %s", forbidden, attach)
		}
	}
	// Dots in the manifest URL must cascade to "--2E", not stop at the
	// intermediate "%2E" form a wallet's decoder would misread.
	if !strings.Contains(attach, "--2E") {
		t.Fatalf("expected dots escaped as --2E, got %s", attach)
	}
}

func TestTelegramEscape(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a=b", "a__b"},
		{"a&b", "a-b"},
		{"a.b", "a--2Eb"},
		{"a-b", "a--2Db"},
		{"a_b", "a--5Fb"},
		{"a%b", "a--b"},
		{"a+b", "ab"},
		{"r=%7B%22x%22%3A%22y%22%7D", "r__--7B--22x--22--3A--22y--22--7D"},
	}
	for _, c := range cases {
		if got := telegramEscape(c.in); got != c.want {
			t.Fatalf("telegramEscape(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
