package reqopts

import (
	"net/http"
	"net/url"
	"testing"
)

func TestCanonicalizeExample(t *testing.T) {
	values := url.Values{}
	values.Add("b", "2")
	values.Add("a", "1")
	values.Add("a", "10")
	values.Add("space", "a b")

	got := Canonicalize(values)
	want := "a=1%2c10&b=2&space=a%20b"
	if got != want {
		t.Fatalf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestCanonicalizeEmpty(t *testing.T) {
	if got := Canonicalize(url.Values{}); got != "" {
		t.Fatalf("Canonicalize(empty) = %q, want \"\"", got)
	}
}

func TestCanonicalizeDeterministicAcrossOrder(t *testing.T) {
	a := url.Values{}
	a.Add("q", "beatles")
	a.Add("a", "2")
	a.Add("a", "1")

	b := url.Values{}
	b.Add("a", "1")
	b.Add("a", "2")
	b.Add("q", "beatles")

	if Canonicalize(a) != Canonicalize(b) {
		t.Fatalf("Canonicalize not order-independent: %q vs %q", Canonicalize(a), Canonicalize(b))
	}
}

func TestCanonicalizeCommaInValueIsEncoded(t *testing.T) {
	values := url.Values{}
	values.Add("tag", "rock,pop")
	got := Canonicalize(values)
	want := "tag=rock%2cpop"
	if got != want {
		t.Fatalf("Canonicalize() = %q, want %q", got, want)
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://api.example.com/v1/search", nil)
	if err != nil {
		t.Fatal(err)
	}
	o := Options{Endpoint: "/search", Profile: "search", Parameters: "q=beatles"}
	req = Attach(req, o)

	got, ok := FromContext(req.Context())
	if !ok {
		t.Fatal("expected options to be present")
	}
	if got != o {
		t.Fatalf("FromContext() = %+v, want %+v", got, o)
	}
}

func TestRedactedURLMasksSensitiveParams(t *testing.T) {
	u, _ := url.Parse("https://api.example.com/v1/search?q=beatles&token=supersecret&Authorization=Bearer+xyz")
	redacted := RedactedURL(u, nil)

	parsed, _ := url.Parse(redacted)
	values := parsed.Query()
	if values.Get("q") != "beatles" {
		t.Fatalf("expected non-sensitive param preserved, got %q", values.Get("q"))
	}
	if values.Get("token") != "[redacted]" {
		t.Fatalf("expected token redacted, got %q", values.Get("token"))
	}
	if values.Get("Authorization") != "[redacted]" {
		t.Fatalf("expected Authorization redacted (case-insensitive), got %q", values.Get("Authorization"))
	}
}
