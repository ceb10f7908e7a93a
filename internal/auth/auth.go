// Package auth implements the pairing and bearer-token flow that gates
// remote access to the daemon: a TOTP secret printed as a QR code at first
// run, exchanged once for a long-lived JWT that every subsequent REST call
// and WebSocket upgrade must present.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const configDir = ".config/tether"
const credsFile = "pairing.json"
const issuer = "tether"
const accountName = "daemon"

var (
	ErrInvalidCode  = errors.New("auth: invalid pairing code")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

type credentials struct {
	Secret    string `json:"secret"`
	JWTSecret string `json:"jwtSecret"`
}

// Manager owns the TOTP secret and the JWT signing key, both persisted
// under the user's config dir so pairing survives a daemon restart.
type Manager struct {
	logger    *slog.Logger
	path      string
	totpKey   *otp.Key
	jwtSecret []byte
}

// New loads or generates the pairing credentials.
func New(logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, configDir)
	path := filepath.Join(dir, credsFile)

	m := &Manager{logger: logger, path: path}
	if err := m.loadOrGenerate(dir); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadOrGenerate(dir string) error {
	data, err := os.ReadFile(m.path)
	if err == nil {
		var creds credentials
		if err := json.Unmarshal(data, &creds); err == nil && creds.Secret != "" {
			key, err := otp.NewKeyFromURL(fmt.Sprintf(
				"otpauth://totp/%s:%s?secret=%s&issuer=%s",
				issuer, accountName, creds.Secret, issuer,
			))
			if err == nil {
				m.totpKey = key
				m.jwtSecret = []byte(creds.JWTSecret)
				m.logger.Info("loaded pairing credentials")
				return nil
			}
		}
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
	})
	if err != nil {
		return fmt.Errorf("generate totp key: %w", err)
	}
	m.totpKey = key

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}
	m.jwtSecret = []byte(hex.EncodeToString(secret))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data2, _ := json.MarshalIndent(credentials{
		Secret:    key.Secret(),
		JWTSecret: string(m.jwtSecret),
	}, "", "  ")
	if err := os.WriteFile(m.path, data2, 0o600); err != nil {
		return fmt.Errorf("save pairing credentials: %w", err)
	}
	m.logger.Info("generated new pairing credentials")
	return nil
}

// PairingURL is the otpauth:// URL a QR code should encode.
func (m *Manager) PairingURL() string {
	return m.totpKey.String()
}

// Secret is the base32 TOTP secret, shown as a fallback when a user can't
// scan a QR code.
func (m *Manager) Secret() string {
	return m.totpKey.Secret()
}

// VerifyCode checks a 6-digit TOTP code against the current window.
func (m *Manager) VerifyCode(code string) bool {
	return totp.Validate(strings.TrimSpace(code), m.totpKey.Secret())
}

const tokenTTL = 180 * 24 * time.Hour

// IssueToken mints a long-lived JWT once a pairing code has verified. Each
// token carries its own jti (a fresh pairing session id), so a given
// device can hold multiple live tokens and any one of them can later be
// singled out without fixing a new revocation scheme to the device id.
func (m *Manager) IssueToken(deviceID string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		Issuer:    issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}

// VerifyToken validates a bearer token and returns the paired device id.
func (m *Manager) VerifyToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware rejects any request without a valid "Authorization: Bearer
// <token>" header. Used on both REST routes and the WebSocket upgrade.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw := strings.TrimPrefix(header, "Bearer ")
		if raw == header || raw == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		deviceID, err := m.VerifyToken(raw)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r = r.WithContext(withDeviceID(r.Context(), deviceID))
		next.ServeHTTP(w, r)
	})
}
