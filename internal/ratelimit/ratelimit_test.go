package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterAllow(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// Wait for token replenishment (1 second = 1 token at 60/min)
	time.Sleep(time.Second)

	// Should allow again
	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	cfg := Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	limiter := New(cfg)
	defer limiter.Stop()

	// One wallet's dashboard uses up its tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("wallet:0xaaa")
	}

	// That wallet is now rate limited
	if limiter.Allow("wallet:0xaaa") {
		t.Error("wallet 0xaaa should be rate limited")
	}

	// Another wallet still has tokens
	if !limiter.Allow("wallet:0xbbb") {
		t.Error("wallet 0xbbb should not be rate limited")
	}
}

func TestMiddlewareKeysByWallet(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.GET("/wallets/:address/approvals", limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	get := func(wallet string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallets/"+wallet+"/approvals", nil))
		return w.Code
	}

	// Exhaust one wallet's bucket; requests come from the same test IP.
	wallet := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	for i := 0; i < 2; i++ {
		if code := get(wallet); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	if code := get(wallet); code != http.StatusTooManyRequests {
		t.Fatalf("exhausted wallet: status %d, want 429", code)
	}

	// A different wallet behind the same IP is unaffected.
	if code := get("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"); code != http.StatusOK {
		t.Fatalf("fresh wallet: status %d, want 200", code)
	}
}
