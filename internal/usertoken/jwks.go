package usertoken

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultJWKSCacheTTL = 5 * time.Minute

var errUnknownKey = errors.New("unknown token key")

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type publicKey struct {
	alg string
	key any
}

// keySet caches the JWKS document, honouring Cache-Control max-age.
type keySet struct {
	url    string
	client *http.Client

	mu      sync.RWMutex
	keys    map[string]publicKey
	expires time.Time
}

func newKeySet(url string, client *http.Client) *keySet {
	return &keySet{url: url, client: client}
}

func (s *keySet) lookup(kid, alg string) (any, error) {
	if kid == "" {
		return nil, errUnknownKey
	}
	s.mu.RLock()
	stale := time.Now().After(s.expires)
	s.mu.RUnlock()
	if stale {
		if err := s.refresh(); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	k, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, errUnknownKey
	}
	if k.alg != alg {
		return nil, fmt.Errorf("key %s is for %s, token uses %s", kid, k.alg, alg)
	}
	return k.key, nil
}

func (s *keySet) refresh() error {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]publicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" {
			continue
		}
		if pk, err := k.publicKey(); err == nil {
			keys[kid] = pk
		}
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable keys")
	}
	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}

	s.mu.Lock()
	s.keys = keys
	s.expires = time.Now().Add(ttl)
	s.mu.Unlock()
	return nil
}

func (k jwk) publicKey() (publicKey, error) {
	switch strings.ToUpper(k.Kty) {
	case "RSA":
		n, err := decodeBigInt(k.N)
		if err != nil {
			return publicKey{}, err
		}
		e, err := decodeBigInt(k.E)
		if err != nil {
			return publicKey{}, err
		}
		if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
			return publicKey{}, errors.New("invalid rsa key")
		}
		return publicKey{alg: "RS256", key: &rsa.PublicKey{N: n, E: int(e.Int64())}}, nil
	case "EC":
		if k.Crv != "P-256" {
			return publicKey{}, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return publicKey{}, err
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return publicKey{}, err
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		if !pub.Curve.IsOnCurve(x, y) {
			return publicKey{}, errors.New("ec point not on curve")
		}
		return publicKey{alg: "ES256", key: pub}, nil
	default:
		return publicKey{}, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(raw string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
