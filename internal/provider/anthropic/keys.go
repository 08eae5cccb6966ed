package anthropic

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// KeyType names the two independent Anthropic credentials.
type KeyType string

const (
	KeySetupToken KeyType = "setup-token"
	KeyEnterprise KeyType = "enterprise"
)

// Key is one selectable credential.
type Key struct {
	Type   KeyType
	Secret string
}

// KeyPool tracks per-key cooldowns and picks the (primary, fallback)
// pair for each dispatch. A key that returned 429 or 401 sits out for
// the cooldown; when the preferred key is cooling the other becomes
// primary with no fallback.
type KeyPool struct {
	mu          sync.Mutex
	setupToken  string
	enterprise  string
	preferSetup bool
	cooldown    time.Duration
	coolUntil   map[KeyType]time.Time
}

// NewKeyPool builds a pool from the configured credentials. Either
// secret may be empty; an empty secret is never selected.
func NewKeyPool(apiKey, setupToken string, preferSetupToken bool, cooldown time.Duration) *KeyPool {
	return &KeyPool{
		setupToken:  setupToken,
		enterprise:  apiKey,
		preferSetup: preferSetupToken,
		cooldown:    cooldown,
		coolUntil:   make(map[KeyType]time.Time, 2),
	}
}

// Select returns the key to try first and, when both credentials are
// usable, the one to fail over to. ok is false when every configured
// key is cooling down or no key is configured at all.
func (p *KeyPool) Select() (primary, fallback Key, haveFallback, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := []Key{{KeySetupToken, p.setupToken}, {KeyEnterprise, p.enterprise}}
	if !p.preferSetup {
		order[0], order[1] = order[1], order[0]
	}

	now := time.Now()
	usable := order[:0:2]
	for _, k := range order {
		if k.Secret == "" {
			continue
		}
		if until, cooling := p.coolUntil[k.Type]; cooling && now.Before(until) {
			continue
		}
		usable = append(usable, k)
	}
	switch len(usable) {
	case 0:
		return Key{}, Key{}, false, false
	case 1:
		return usable[0], Key{}, false, true
	}
	return usable[0], usable[1], true, true
}

// MarkCooldown benches the key type for the pool's cooldown window.
func (p *KeyPool) MarkCooldown(t KeyType) {
	expiry := time.Now().Add(p.cooldown)
	p.mu.Lock()
	p.coolUntil[t] = expiry
	p.mu.Unlock()
}

// Cooling reports whether the key type is currently benched.
func (p *KeyPool) Cooling(t KeyType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.coolUntil[t]
	return ok && time.Now().Before(until)
}

// setAuth writes the credential header for the secret. authType "auto"
// routes sk-ant-* secrets to x-api-key and everything else to a bearer
// token; "api-key" and "bearer" force one form.
func setAuth(h http.Header, authType, secret string) {
	useAPIKey := false
	switch authType {
	case "api-key":
		useAPIKey = true
	case "bearer":
	default: // auto
		useAPIKey = strings.HasPrefix(secret, "sk-ant-")
	}
	if useAPIKey {
		h.Set("x-api-key", secret)
	} else {
		h.Set("Authorization", "Bearer "+secret)
	}
}
