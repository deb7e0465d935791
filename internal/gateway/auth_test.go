package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/soyeahso/docchat/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeEqual(t *testing.T) {
	assert.True(t, safeEqual("secret", "secret"))
	assert.True(t, safeEqual("", ""))
	assert.False(t, safeEqual("secret", "wrong"))
	assert.False(t, safeEqual("short", "longer-string"))
	assert.False(t, safeEqual("secret", ""))
}

func TestResolveAuth(t *testing.T) {
	t.Run("config wins", func(t *testing.T) {
		t.Setenv("DOCCHAT_GATEWAY_TOKEN", "env-token")
		auth := ResolveAuth(config.GatewayAuth{Mode: "token", Token: "cfg-token"})
		assert.Equal(t, "cfg-token", auth.Token)
	})
	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("DOCCHAT_GATEWAY_TOKEN", "env-token")
		t.Setenv("DOCCHAT_GATEWAY_PASSWORD", "env-pass")
		auth := ResolveAuth(config.GatewayAuth{Mode: "token"})
		assert.Equal(t, "env-token", auth.Token)
		assert.Equal(t, "env-pass", auth.Password)
	})
	t.Run("mode defaults", func(t *testing.T) {
		t.Setenv("DOCCHAT_GATEWAY_TOKEN", "")
		t.Setenv("DOCCHAT_GATEWAY_PASSWORD", "")
		assert.Equal(t, "token", ResolveAuth(config.GatewayAuth{}).Mode)
		assert.Equal(t, "password", ResolveAuth(config.GatewayAuth{Password: "p"}).Mode)
	})
}

func TestAuthorize(t *testing.T) {
	token := ResolvedAuth{Mode: "token", Token: "secret"}
	password := ResolvedAuth{Mode: "password", Password: "pass123"}

	tests := []struct {
		name   string
		server ResolvedAuth
		client *ConnectAuth
		ok     bool
		reason string
	}{
		{"token ok", token, &ConnectAuth{Token: "secret"}, true, ""},
		{"token mismatch", token, &ConnectAuth{Token: "nope"}, false, "token_mismatch"},
		{"token missing", token, &ConnectAuth{}, false, "token required"},
		{"token unconfigured", ResolvedAuth{Mode: "token"}, &ConnectAuth{Token: "x"}, false, "server token not configured"},
		{"password ok", password, &ConnectAuth{Password: "pass123"}, true, ""},
		{"password mismatch", password, &ConnectAuth{Password: "x"}, false, "password_mismatch"},
		{"no credentials", token, nil, false, "no credentials provided"},
		{"unknown mode", ResolvedAuth{Mode: "oauth"}, &ConnectAuth{Token: "x"}, false, "unknown auth mode: oauth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Authorize(tt.server, tt.client)
			assert.Equal(t, tt.ok, res.OK)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestBearerAuth(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Nil(t, bearerAuth(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Nil(t, bearerAuth(r))

	r.Header.Set("Authorization", "Bearer s3cret")
	auth := bearerAuth(r)
	require.NotNil(t, auth)
	assert.True(t, Authorize(ResolvedAuth{Mode: "token", Token: "s3cret"}, auth).OK)
	assert.True(t, Authorize(ResolvedAuth{Mode: "password", Password: "s3cret"}, auth).OK)
}

func TestAuthGateThrottlesPerHost(t *testing.T) {
	gate := newAuthGate(ResolvedAuth{Mode: "token", Token: "secret"}, time.Minute)
	assert.False(t, gate.throttled("192.168.1.1:12345"))

	for range authRateMaxFails - 1 {
		assert.False(t, gate.check("192.168.1.1:12345", &ConnectAuth{Token: "wrong"}).OK)
	}
	assert.False(t, gate.throttled("192.168.1.1:12345"))
	assert.True(t, gate.check("192.168.1.1:1", &ConnectAuth{Token: "secret"}).OK, "success is not counted")
	assert.False(t, gate.throttled("192.168.1.1:12345"))

	gate.check("192.168.1.1:999", nil)
	assert.True(t, gate.throttled("192.168.1.1:12345"), "failures are counted per host")
	assert.False(t, gate.throttled("192.168.1.2:12345"))
}

func TestAuthGateWindowExpires(t *testing.T) {
	gate := newAuthGate(ResolvedAuth{Mode: "token", Token: "secret"}, 50*time.Millisecond)
	for range authRateMaxFails {
		gate.check("10.0.0.1:1", &ConnectAuth{Token: "wrong"})
	}
	require.True(t, gate.throttled("10.0.0.1:1"))

	assert.Eventually(t, func() bool {
		return !gate.throttled("10.0.0.1:1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "10.0.0.1", hostOf("10.0.0.1:8420"))
	assert.Equal(t, "::1", hostOf("[::1]:8420"))
	assert.Equal(t, "pipe", hostOf("pipe"))
}

func TestCheckWebSocketOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, checkWebSocketOrigin(nil)(req("")))
	assert.False(t, checkWebSocketOrigin(nil)(req("http://evil.com")))
	assert.True(t, checkWebSocketOrigin([]string{"*"})(req("http://anything.com")))

	check := checkWebSocketOrigin([]string{"http://one.com", "http://two.com"})
	assert.True(t, check(req("http://one.com")))
	assert.True(t, check(req("http://two.com")))
	assert.False(t, check(req("http://three.com")))
}
