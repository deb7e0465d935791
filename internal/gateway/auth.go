package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/soyeahso/docchat/internal/config"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"` // "token" | "password"
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth is the gateway's auth mode and the secret it expects.
type ResolvedAuth struct {
	Mode     string
	Token    string
	Password string
}

// ResolveAuth fills credentials missing from config with DOCCHAT_GATEWAY_TOKEN
// and DOCCHAT_GATEWAY_PASSWORD. Without a mode, a password selects password
// auth and anything else token auth.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token, Password: cfg.Password}
	if auth.Token == "" {
		auth.Token = os.Getenv("DOCCHAT_GATEWAY_TOKEN")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("DOCCHAT_GATEWAY_PASSWORD")
	}
	if auth.Mode == "" {
		auth.Mode = "token"
		if auth.Password != "" {
			auth.Mode = "password"
		}
	}
	return auth
}

// Authorize checks client credentials against the server's mode.
func Authorize(server ResolvedAuth, client *ConnectAuth) AuthResult {
	if client == nil {
		return AuthResult{Reason: "no credentials provided"}
	}

	var want, got string
	switch server.Mode {
	case "token":
		want, got = server.Token, client.Token
	case "password":
		want, got = server.Password, client.Password
	default:
		return AuthResult{Reason: "unknown auth mode: " + server.Mode}
	}

	switch {
	case want == "":
		return AuthResult{Reason: "server " + server.Mode + " not configured"}
	case got == "":
		return AuthResult{Reason: server.Mode + " required"}
	case !safeEqual(got, want):
		return AuthResult{Reason: server.Mode + "_mismatch"}
	}
	return AuthResult{OK: true, Method: server.Mode}
}

// bearerAuth reads "Authorization: Bearer <secret>". The secret is checked
// as a token or a password depending on the server's auth mode.
func bearerAuth(r *http.Request) *ConnectAuth {
	secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || secret == "" {
		return nil
	}
	return &ConnectAuth{Token: secret, Password: secret}
}

// safeEqual compares in constant time, length included.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
)

// authGate authorizes WebSocket handshakes and upload requests, and turns
// away a host after authRateMaxFails failures until its window expires. The
// window starts at the host's first failure.
type authGate struct {
	creds    ResolvedAuth
	failures *cache.Cache // host -> int
}

func newAuthGate(creds ResolvedAuth, window time.Duration) *authGate {
	return &authGate{
		creds:    creds,
		failures: cache.New(window, time.Minute),
	}
}

// throttled reports whether remoteAddr's host is over the failure limit.
func (g *authGate) throttled(remoteAddr string) bool {
	n, ok := g.failures.Get(hostOf(remoteAddr))
	return ok && n.(int) >= authRateMaxFails
}

// check authorizes client and counts a failure against remoteAddr's host.
func (g *authGate) check(remoteAddr string, client *ConnectAuth) AuthResult {
	res := Authorize(g.creds, client)
	if !res.OK {
		g.fail(remoteAddr)
	}
	return res
}

func (g *authGate) fail(remoteAddr string) {
	host := hostOf(remoteAddr)
	if err := g.failures.Add(host, 1, cache.DefaultExpiration); err != nil {
		g.failures.IncrementInt(host, 1)
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
