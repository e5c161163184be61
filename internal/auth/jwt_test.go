package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/satriahrh/voxbridge/domain/entities"
)

func TestStreamToken_RoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}

	token, expiresAt, err := issuer.GenerateStreamToken("biz-1", "orders")
	if err != nil {
		t.Fatalf("GenerateStreamToken failed: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Error("Expected expiry in the future")
	}

	claims, err := issuer.ValidateStreamToken(token)
	if err != nil {
		t.Fatalf("ValidateStreamToken failed: %v", err)
	}
	if claims.BusinessID != "biz-1" || claims.AgentType != "orders" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestStreamToken_Rejections(t *testing.T) {
	issuer, _ := NewTokenIssuer("test-secret", time.Minute)
	other, _ := NewTokenIssuer("other-secret", time.Minute)

	token, _, _ := other.GenerateStreamToken("biz-1", "")
	if _, err := issuer.ValidateStreamToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for wrong secret, got %v", err)
	}

	expired, _ := NewTokenIssuer("test-secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, _ := expired.GenerateStreamToken("biz-1", "")
	if _, err := issuer.ValidateStreamToken(old); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}

	cfgToken, _ := issuer.SignSessionConfig("biz-1", entities.SessionConfig{Voice: "alloy"})
	if _, err := issuer.ValidateStreamToken(cfgToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected session config token to be rejected as stream token, got %v", err)
	}

	if _, err := NewTokenIssuer("", time.Minute); err == nil {
		t.Error("Expected empty secret to be rejected")
	}
	if _, _, err := issuer.GenerateStreamToken("", ""); err == nil {
		t.Error("Expected empty business id to be rejected")
	}
}

func TestSessionConfigToken(t *testing.T) {
	issuer, _ := NewTokenIssuer("test-secret", time.Minute)
	cfg := entities.SessionConfig{
		Voice:         "verse",
		Instructions:  "Confirm the appointment.",
		TurnDetection: entities.TurnDetectionSemantic,
		Eagerness:     entities.EagernessHigh,
	}
	token, err := issuer.SignSessionConfig("biz-1", cfg)
	if err != nil {
		t.Fatalf("SignSessionConfig failed: %v", err)
	}
	claims, err := issuer.ParseSessionConfig(token)
	if err != nil {
		t.Fatalf("ParseSessionConfig failed: %v", err)
	}
	if claims.Config.Voice != "verse" || claims.Config.Eagerness != entities.EagernessHigh {
		t.Errorf("unexpected config %+v", claims.Config)
	}
}
