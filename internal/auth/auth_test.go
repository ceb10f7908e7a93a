package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestManager_VerifyCodeAndIssueToken(t *testing.T) {
	m := newTestManager(t)

	code, err := totp.GenerateCode(m.Secret(), time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if !m.VerifyCode(code) {
		t.Fatalf("expected valid code to verify")
	}
	if m.VerifyCode("000000") && code != "000000" {
		t.Fatalf("did not expect an arbitrary code to verify")
	}

	token, err := m.IssueToken("device-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	device, err := m.VerifyToken(token)
	if err != nil || device != "device-1" {
		t.Fatalf("VerifyToken mismatch: %v %v", device, err)
	}
}

func TestManager_Middleware(t *testing.T) {
	m := newTestManager(t)
	token, _ := m.IssueToken("device-1")

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := DeviceIDFromContext(r.Context())
		if !ok || id != "device-1" {
			t.Fatalf("expected device id in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/info", nil)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec2.Code)
	}
}

func TestManager_PersistsAcrossRestart(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	m1, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	secret1 := m1.Secret()

	m2, err := New(nil)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if m2.Secret() != secret1 {
		t.Fatalf("expected pairing secret to persist across restart")
	}

	if _, err := os.Stat(filepath.Join(home, configDir, credsFile)); err != nil {
		t.Fatalf("expected credentials file to exist: %v", err)
	}
}
