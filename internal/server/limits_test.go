package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenSigner(t *testing.T) {
	signer, err := newTokenSigner([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	exp := time.Unix(1_700_000_000, 0)
	token := signer.Sign("ref", exp)

	if !signer.Verify("ref", exp, token) {
		t.Fatal("valid token rejected")
	}
	if signer.Verify("other", exp, token) {
		t.Error("token accepted for another ref")
	}
	if signer.Verify("ref", exp.Add(time.Second), token) {
		t.Error("token accepted for another expiry")
	}
	if signer.Verify("ref", exp, "!!not base64") {
		t.Error("garbage token accepted")
	}

	other, _ := newTokenSigner([]byte("different"))
	if other.Verify("ref", exp, token) {
		t.Error("token accepted under another secret")
	}
}

func TestTokenSignerRandomSecret(t *testing.T) {
	a, err := newTokenSigner(nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := newTokenSigner(nil)
	exp := time.Now()
	if b.Verify("ref", exp, a.Sign("ref", exp)) {
		t.Error("random secrets should differ between signers")
	}
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter(2)
	if !l.Allow("1.1.1.1") || !l.Allow("1.1.1.1") {
		t.Fatal("burst should allow two requests")
	}
	if l.Allow("1.1.1.1") {
		t.Error("third request should be limited")
	}
	if !l.Allow("2.2.2.2") {
		t.Error("limits are per ip")
	}
}

func TestConnLimiter(t *testing.T) {
	l := newConnLimiter(2, 1)

	releaseA, ok := l.Acquire("a")
	if !ok {
		t.Fatal("first connection rejected")
	}
	if _, ok := l.Acquire("a"); ok {
		t.Error("per-ip limit not enforced")
	}
	if _, ok := l.Acquire("b"); !ok {
		t.Fatal("second ip rejected")
	}
	if _, ok := l.Acquire("c"); ok {
		t.Error("global limit not enforced")
	}

	releaseA()
	releaseA()
	if got := l.InUse(); got != 1 {
		t.Errorf("InUse() = %d, want 1", got)
	}
	if _, ok := l.Acquire("c"); !ok {
		t.Error("released slot not reusable")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Errorf("clientIP() = %q", got)
	}
	r.RemoteAddr = "weird"
	if got := clientIP(r); got != "weird" {
		t.Errorf("clientIP() = %q", got)
	}
}

func TestExpiryManager(t *testing.T) {
	m := newExpiryManager()
	fired := make(chan string, 2)

	m.schedule("a", 10*time.Millisecond, func() { fired <- "a" })
	m.schedule("b", 10*time.Millisecond, func() { fired <- "b" })
	m.schedule("never", 0, func() { fired <- "never" })
	m.cancel("b")
	if got := m.pending(); got != 1 {
		t.Fatalf("pending() = %d, want 1", got)
	}

	select {
	case ref := <-fired:
		if ref != "a" {
			t.Fatalf("fired %q", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case ref := <-fired:
		t.Fatalf("unexpected timer %q", ref)
	case <-time.After(50 * time.Millisecond):
	}

	deadline := time.Now().Add(time.Second)
	for m.pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.pending() != 0 {
		t.Error("fired timer not removed")
	}
}
