package server

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"card-deal-alerts/internal/config"
)

// Session is one authenticated wallet session.
type Session struct {
	Token     string    `json:"token"`
	Wallet    string    `json:"wallet"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore keeps wallet sessions in memory, keyed by bearer token.
type SessionStore struct {
	cfg    config.AuthConfig
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionStore constructs a session store from auth configuration.
func NewSessionStore(cfg config.AuthConfig, logger zerolog.Logger) *SessionStore {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.MessageMaxAge <= 0 {
		cfg.MessageMaxAge = 5 * time.Minute
	}

	return &SessionStore{
		cfg:      cfg,
		logger:   logger.With().Str("component", "auth").Logger(),
		now:      time.Now,
		sessions: make(map[string]Session),
	}
}

var (
	errBadSignature = errors.New("signature verification failed")
	errStaleMessage = errors.New("sign-in message expired")
	errBadMessage   = errors.New("malformed sign-in message")
)

// Login verifies a wallet-signed message and mints a session. The message
// must be the configured prefix followed by a unix-millisecond timestamp no
// older than the configured max age.
func (s *SessionStore) Login(wallet, message, signature string) (Session, error) {
	if err := s.checkMessage(message); err != nil {
		return Session{}, err
	}

	pubKey, err := base58.Decode(wallet)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return Session{}, fmt.Errorf("invalid wallet address")
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Session{}, fmt.Errorf("invalid signature encoding")
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(message), sig) {
		return Session{}, errBadSignature
	}

	session := Session{
		Token:     uuid.NewString(),
		Wallet:    wallet,
		IsAdmin:   s.isAdmin(wallet),
		ExpiresAt: s.now().Add(s.cfg.SessionTTL),
	}

	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()

	s.logger.Info().Str("wallet", wallet).Bool("admin", session.IsAdmin).Msg("wallet signed in")
	return session, nil
}

func (s *SessionStore) checkMessage(message string) error {
	if !strings.HasPrefix(message, s.cfg.MessagePrefix) {
		return errBadMessage
	}

	stamp := strings.TrimSpace(strings.TrimPrefix(message, s.cfg.MessagePrefix))
	millis, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return errBadMessage
	}

	issued := time.UnixMilli(millis)
	age := s.now().Sub(issued)
	if age < -time.Minute || age > s.cfg.MessageMaxAge {
		return errStaleMessage
	}
	return nil
}

func (s *SessionStore) isAdmin(wallet string) bool {
	for _, admin := range s.cfg.AdminWallets {
		if strings.EqualFold(admin, wallet) {
			return true
		}
	}
	return false
}

// Lookup resolves a bearer token into a live session.
func (s *SessionStore) Lookup(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return Session{}, false
	}
	if s.now().After(session.ExpiresAt) {
		delete(s.sessions, token)
		return Session{}, false
	}
	return session, true
}

// Logout invalidates a session token.
func (s *SessionStore) Logout(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

const sessionKey = "auth_session"

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// RequireSession rejects requests without a live session. When auth is
// disabled it resolves sessions opportunistically and lets everything pass.
func (s *SessionStore) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if session, ok := s.Lookup(bearerToken(c)); ok {
			c.Set(sessionKey, session)
		} else if s.cfg.Enabled {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose session wallet is not an admin.
func (s *SessionStore) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Enabled {
			c.Next()
			return
		}
		session, ok := s.Lookup(bearerToken(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !session.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin wallet required"})
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func currentSession(c *gin.Context) (Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return Session{}, false
	}
	session, ok := v.(Session)
	return session, ok
}
