package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Tier groups routes by cost.
type Tier string

const (
	Tier1 Tier = "tier1" // spending / provider-triggering
	Tier2 Tier = "tier2" // task polling and control
	Tier3 Tier = "tier3" // everything else under /api/
)

// ActorType is who a counter belongs to.
type ActorType string

const (
	ActorUser ActorType = "user"
	ActorIP   ActorType = "ip"
)

// Rule holds the limits of one tier. A zero limit means no limit for that actor type.
type Rule struct {
	UserLimit int64         `yaml:"user_limit"`
	IPLimit   int64         `yaml:"ip_limit"`
	Window    time.Duration `yaml:"window"`
}

// Rules maps tiers to their limits.
type Rules map[Tier]Rule

// DefaultRules returns the stock limits.
func DefaultRules() Rules {
	w := 300 * time.Second
	return Rules{
		Tier1: {UserLimit: 20, IPLimit: 120, Window: w},
		Tier2: {UserLimit: 90, IPLimit: 180, Window: w},
		Tier3: {IPLimit: 300, Window: w},
	}
}

var tier1Paths = map[string]bool{
	"/api/generate":              true,
	"/api/clone/upload-url":      true,
	"/api/clone/finalize":        true,
	"/api/voices/design/preview": true,
	"/api/voices/design":         true,
}

// Classify returns the tier of a request. ok is false for exempt requests.
func Classify(method, path string) (Tier, bool) {
	if method == http.MethodOptions {
		return "", false
	}
	path = strings.TrimRight(path, "/")
	if path != "/api" && !strings.HasPrefix(path, "/api/") {
		return "", false
	}
	if path == "/api/health" {
		return "", false
	}
	if method == http.MethodPost && tier1Paths[path] {
		return Tier1, true
	}
	if rest, found := strings.CutPrefix(path, "/api/tasks/"); found && rest != "" {
		parts := strings.Split(rest, "/")
		switch {
		case len(parts) == 1 && (method == http.MethodGet || method == http.MethodDelete):
			return Tier2, true
		case len(parts) == 2 && parts[1] == "cancel" && method == http.MethodPost:
			return Tier2, true
		}
	}
	return Tier3, true
}

// Actor is the resolved counter owner of a request.
type Actor struct {
	Type  ActorType
	Key   string
	Limit int64
}

// ResolveActor picks the counter owner for a tier.
// The user wins when one is known and the tier limits users.
func ResolveActor(rule Rule, userID, ipHash string) Actor {
	if userID != "" && rule.UserLimit > 0 {
		return Actor{Type: ActorUser, Key: userID, Limit: rule.UserLimit}
	}
	return Actor{Type: ActorIP, Key: ipHash, Limit: rule.IPLimit}
}

// CounterKey is the store key of a counter.
func CounterKey(prefix string, tier Tier, actor Actor) string {
	return prefix + "rl:" + string(tier) + ":" + string(actor.Type) + ":" + actor.Key
}

// UserIDFromAuthorization extracts the subject of a bearer JWT without
// verifying it. Only UUID subjects are accepted; anything else yields "".
func UserIDFromAuthorization(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return ""
	}
	if _, err := uuid.Parse(sub); err != nil {
		return ""
	}
	return strings.ToLower(sub)
}

// ClientIP returns the best-effort client address of a request.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	for _, h := range []string{"CF-Connecting-IP", "X-Real-IP", "X-Client-IP"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// HashIP returns the sha256 hex digest used as the ip actor key.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
