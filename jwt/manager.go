package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the ticket signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const defaultMaxFutureIAT = 10 * time.Minute

// Config defines how tickets are signed and which claims a ticket must carry.
//
// For MethodHS256 PrivateKey is the shared secret. For MethodEd25519 the keys
// are raw or PEM encoded; a verify-only manager needs just PublicKey or
// VerifyKeys.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Manager signs and parses tickets. Keys are decoded once in NewManager; the
// manager is immutable afterwards and safe for concurrent use.
type Manager struct {
	config    Config
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyring   map[string]any
	parser    *jwt.Parser
}

// TicketClaims carries the verified identity. Subject mirrors Identity.
type TicketClaims struct {
	Identity       string `json:"idn"`
	RegistrationID string `json:"rid"`
	jwt.RegisteredClaims
}

var (
	ErrTicketIdentityMissing = errors.New("ticket has no identity")
	errNoSigningKey          = errors.New("manager has no private key")
	errUnknownKeyID          = errors.New("unknown kid")
)

func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.TTL <= 0:
		return nil, errors.New("ticket TTL must be positive")
	case cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute:
		return nil, errors.New("ticket leeway must be within [0, 2m]")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = defaultMaxFutureIAT
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("ticket MaxFutureIAT must be within (0, 24h]")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}
	var err error
	switch cfg.SigningMethod {
	case MethodHS256:
		err = m.loadHMAC()
	case MethodEd25519:
		err = m.loadEd25519()
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}
	if err != nil {
		return nil, err
	}
	if cfg.KeyID != "" && m.keyring != nil {
		if _, ok := m.keyring[cfg.KeyID]; !ok {
			return nil, fmt.Errorf("kid %q has no verify key", cfg.KeyID)
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	m.parser = jwt.NewParser(opts...)
	return m, nil
}

func (m *Manager) loadHMAC() error {
	if len(m.config.PrivateKey) < 32 {
		return errors.New("hs256 requires a secret of at least 32 bytes")
	}
	m.method = jwt.SigningMethodHS256
	m.signKey = m.config.PrivateKey
	m.verifyKey = m.config.PrivateKey
	return nil
}

func (m *Manager) loadEd25519() error {
	m.method = jwt.SigningMethodEdDSA
	if len(m.config.PrivateKey) > 0 {
		priv, err := parseEdPrivateKey(m.config.PrivateKey)
		if err != nil {
			return err
		}
		m.signKey = priv
	}
	if len(m.config.PublicKey) > 0 {
		pub, err := parseEdPublicKey(m.config.PublicKey)
		if err != nil {
			return err
		}
		m.verifyKey = pub
	}
	if len(m.config.VerifyKeys) > 0 {
		m.keyring = make(map[string]any, len(m.config.VerifyKeys))
		for kid, raw := range m.config.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return errors.New("verify keys contain an empty kid")
			}
			pub, err := parseEdPublicKey(raw)
			if err != nil {
				return fmt.Errorf("verify key %q: %w", kid, err)
			}
			m.keyring[kid] = pub
		}
	}
	if m.verifyKey == nil && m.keyring == nil {
		return errors.New("ed25519 requires a public key or verify keys")
	}
	return nil
}

func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// CreateTicket signs a ticket for identity and returns it with its expiry.
func (m *Manager) CreateTicket(identity, registrationID string) (string, time.Time, error) {
	if identity == "" {
		return "", time.Time{}, ErrTicketIdentityMissing
	}
	if m.signKey == nil {
		return "", time.Time{}, errNoSigningKey
	}

	now := time.Now()
	claims := TicketClaims{
		Identity:       identity,
		RegistrationID: registrationID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	signed, err := token.SignedString(m.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign ticket: %w", err)
	}
	// report the truncated expiry the token actually carries
	return signed, claims.ExpiresAt.Time, nil
}

// ParseTicket verifies signature, algorithm, expiry, issuer and audience,
// and requires iat.
func (m *Manager) ParseTicket(tokenStr string) (*TicketClaims, error) {
	claims := &TicketClaims{}
	token, err := m.parser.ParseWithClaims(tokenStr, claims, m.lookupKey)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.IssuedAt == nil || claims.IssuedAt.After(time.Now().Add(m.config.MaxFutureIAT)) {
		return nil, errors.New("ticket iat missing or too far in the future")
	}
	if claims.Identity == "" || claims.Subject != claims.Identity {
		return nil, ErrTicketIdentityMissing
	}
	return claims, nil
}

// lookupKey picks the verification key. With a keyring the kid header is
// mandatory; with a single KeyID it must match.
func (m *Manager) lookupKey(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if m.keyring != nil {
		key, ok := m.keyring[kid]
		if !ok {
			return nil, errUnknownKeyID
		}
		return key, nil
	}
	if m.config.KeyID != "" && kid != m.config.KeyID {
		return nil, errUnknownKeyID
	}
	return m.verifyKey, nil
}

func parseEdPrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	if len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	key, err := jwt.ParseEdPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("ed25519 private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ed25519 private key: unexpected type %T", key)
	}
	return priv, nil
}

func parseEdPublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("ed25519 public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ed25519 public key: unexpected type %T", key)
	}
	return pub, nil
}
