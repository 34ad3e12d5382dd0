package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blackmichael/campusfeed/internal/domain"
)

func TestMintAndAuthenticate(t *testing.T) {
	a := NewAuthenticator("s3cret", []string{"Admin@s.amity.edu"})

	token, err := a.Mint("u1", "admin@s.amity.edu", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	p, err := a.Authenticate(r)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p.UID != "u1" || !p.Admin {
		t.Fatalf("unexpected principal %+v", p)
	}

	q := httptest.NewRequest("GET", "/v1/live?access_token="+token, nil)
	if _, err := a.Authenticate(q); err != nil {
		t.Fatalf("query token: %v", err)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewAuthenticator("s3cret", nil)
	other := NewAuthenticator("different", nil)
	forged, err := other.Mint("u1", "u1@s.amity.edu", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	expiredAuth := NewAuthenticator("s3cret", nil)
	expiredAuth.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredAuth.Mint("u1", "u1@s.amity.edu", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing"},
		{name: "wrong secret", header: "Bearer " + forged},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong scheme", header: "Basic abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/live", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := a.Authenticate(r)
			if domain.CodeOf(err) != domain.CodePermissionDenied {
				t.Fatalf("expected permission denied, got %v", err)
			}
		})
	}
}

func TestDisabledAuthenticatorIsOpen(t *testing.T) {
	a := NewAuthenticator("", nil)
	p, err := a.Authenticate(httptest.NewRequest("GET", "/v1/live", nil))
	if err != nil || p != nil {
		t.Fatalf("expected anonymous access, got %+v, %v", p, err)
	}
	if _, err := a.Mint("u1", "", time.Hour); err == nil {
		t.Fatal("mint without a secret should fail")
	}
}
