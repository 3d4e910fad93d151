package rpc

import (
	"testing"
	"time"

	"wold/types"
)

func TestIssueAndVerifyClientToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-signing-key"), time.Minute)
	clientID := NewClientID()

	token, err := issuer.IssueClientToken(clientID)
	if err != nil {
		t.Fatalf("IssueClientToken: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ClientID != clientID {
		t.Errorf("ClientID = %q, want %q", claims.ClientID, clientID)
	}
	if claims.HasPlayer() {
		t.Errorf("expected no player claim on a ClientToken")
	}
}

func TestIssueAndVerifyAuthToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-signing-key"), time.Minute)
	clientID := NewClientID()
	player := types.ObjID(42)

	token, err := issuer.IssueAuthToken(clientID, player)
	if err != nil {
		t.Fatalf("IssueAuthToken: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !claims.HasPlayer() {
		t.Fatal("expected player claim on an AuthToken")
	}
	if types.ObjID(claims.Player) != player {
		t.Errorf("Player = %d, want %d", claims.Player, player)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issuer := NewTokenIssuer([]byte("key-one"), time.Minute)
	other := NewTokenIssuer([]byte("key-two"), time.Minute)

	token, err := issuer.IssueClientToken(NewClientID())
	if err != nil {
		t.Fatalf("IssueClientToken: %v", err)
	}

	if _, err := other.Verify(token); err == nil {
		t.Fatal("expected verification to fail with mismatched signing key")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("test-signing-key"), -time.Minute)

	token, err := issuer.IssueClientToken(NewClientID())
	if err != nil {
		t.Fatalf("IssueClientToken: %v", err)
	}

	if _, err := issuer.Verify(token); err == nil {
		t.Fatal("expected verification to fail for an already-expired token")
	}
}
