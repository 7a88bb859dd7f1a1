package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
)

func newAuthStore(t *testing.T) (*SessionStore, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := disabledAuth()
	cfg.Enabled = true
	return NewSessionStore(cfg, zerolog.Nop()), pub, priv
}

func freshMessage(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixMilli())
}

func TestLoginVerifiesSignature(t *testing.T) {
	store, pub, priv := newAuthStore(t)

	message := freshMessage(store.cfg.MessagePrefix)
	session, err := store.Login(base58.Encode(pub), message, base58.Encode(ed25519.Sign(priv, []byte(message))))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Token == "" || session.Wallet != base58.Encode(pub) {
		t.Fatalf("bad session: %+v", session)
	}

	found, ok := store.Lookup(session.Token)
	if !ok || found.Wallet != session.Wallet {
		t.Fatal("minted session must resolve")
	}
}

func TestLoginRejectsForgedSignature(t *testing.T) {
	store, pub, _ := newAuthStore(t)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)

	message := freshMessage(store.cfg.MessagePrefix)
	_, err := store.Login(base58.Encode(pub), message, base58.Encode(ed25519.Sign(otherPriv, []byte(message))))
	if !errors.Is(err, errBadSignature) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestLoginRejectsStaleMessage(t *testing.T) {
	store, pub, priv := newAuthStore(t)

	stale := fmt.Sprintf("%s %d", store.cfg.MessagePrefix, time.Now().Add(-time.Hour).UnixMilli())
	_, err := store.Login(base58.Encode(pub), stale, base58.Encode(ed25519.Sign(priv, []byte(stale))))
	if !errors.Is(err, errStaleMessage) {
		t.Fatalf("expected stale message error, got %v", err)
	}
}

func TestLoginRejectsWrongPrefix(t *testing.T) {
	store, pub, priv := newAuthStore(t)

	message := fmt.Sprintf("Steal my wallet: %d", time.Now().UnixMilli())
	_, err := store.Login(base58.Encode(pub), message, base58.Encode(ed25519.Sign(priv, []byte(message))))
	if !errors.Is(err, errBadMessage) {
		t.Fatalf("expected malformed message error, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	store, pub, priv := newAuthStore(t)

	message := freshMessage(store.cfg.MessagePrefix)
	session, err := store.Login(base58.Encode(pub), message, base58.Encode(ed25519.Sign(priv, []byte(message))))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(store.cfg.SessionTTL + time.Minute) }
	if _, ok := store.Lookup(session.Token); ok {
		t.Fatal("expired session must not resolve")
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	store, pub, priv := newAuthStore(t)

	message := freshMessage(store.cfg.MessagePrefix)
	session, err := store.Login(base58.Encode(pub), message, base58.Encode(ed25519.Sign(priv, []byte(message))))
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	store.Logout(session.Token)
	if _, ok := store.Lookup(session.Token); ok {
		t.Fatal("logged-out session must not resolve")
	}
}
