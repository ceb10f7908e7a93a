// Package notify delivers registry events to paired devices: Web Push for
// browsers/PWAs, and an optional Slack webhook for channel-level alerts.
package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/tether/internal/registry"
)

const configDir = ".config/tether"
const vapidFile = "vapid.json"

// notifiableEvents is the subset of registry.Event types worth waking a
// phone up for; conversation-update and other-session-activity are too
// frequent to push.
var notifiableEvents = map[string]bool{
	"pending-approval": true,
	"session-completed": true,
	"error-detected":     true,
	"compaction":          true,
}

// Manager owns VAPID keys, the push subscription set, and the optional
// Slack sender, and consumes registry broker events to turn them into
// outbound notifications.
type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription
	slack         *SlackSender
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// NewManager loads or generates the VAPID keypair used to sign push
// messages sent through a browser's push service.
func NewManager(logger *slog.Logger, slackWebhookURL string) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:        logger,
		subscriptions: make([]*webpush.Subscription, 0),
	}
	if slackWebhookURL != "" {
		m.slack = NewSlackSender(slackWebhookURL, logger)
	}
	if err := m.loadOrGenerateVAPID(); err != nil {
		return nil, err
	}
	return m, nil
}

// VAPIDPublicKey is surfaced to clients at pairing time so the browser can
// create a PushSubscription against it.
func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

// Subscribe registers a browser push endpoint, deduped by endpoint URL.
func (m *Manager) Subscribe(sub *webpush.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	ep := sub.Endpoint
	if len(ep) > 50 {
		ep = ep[:50] + "..."
	}
	m.logger.Info("push subscription added", "endpoint", ep)
}

// Unsubscribe removes a previously registered endpoint.
func (m *Manager) Unsubscribe(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return
		}
	}
}

// Run reads a registry broker subscription channel (the caller subscribes)
// and forwards notifiable events until the channel closes (daemon shutdown).
func (m *Manager) Run(events <-chan registry.Event) {
	for e := range events {
		if !notifiableEvents[e.Type] {
			continue
		}
		title, body := formatEvent(e)
		m.send(title, body)
		if m.slack != nil {
			m.slack.Send(title, body)
		}
	}
}

func formatEvent(e registry.Event) (string, string) {
	var project, body string
	if payload, ok := e.Payload.(map[string]any); ok {
		if p, ok := payload["projectPath"].(string); ok {
			project = filepath.Base(p)
		}
		if c, ok := payload["content"].(string); ok {
			body = c
		}
	}
	if project == "" {
		project = e.SessionID
	}
	switch e.Type {
	case "pending-approval":
		return fmt.Sprintf("%s needs approval", project), body
	case "session-completed":
		return fmt.Sprintf("%s finished", project), body
	case "error-detected":
		return fmt.Sprintf("%s hit an error", project), body
	case "compaction":
		return fmt.Sprintf("%s compacted its history", project), body
	default:
		return project, body
	}
}

func (m *Manager) send(title, body string) {
	payload, err := json.Marshal(map[string]string{"title": title, "body": body})
	if err != nil {
		return
	}

	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			VAPIDPublicKey:  m.vapidPublic,
			VAPIDPrivateKey: m.vapidPrivate,
			Subscriber:      "mailto:tether@localhost",
		})
		if err != nil {
			m.logger.Debug("push send failed", "err", err)
			continue
		}
		resp.Body.Close()
	}
}

func (m *Manager) loadOrGenerateVAPID() error {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, configDir)
	path := filepath.Join(dir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			m.logger.Info("loaded VAPID keys")
			return nil
		}
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate VAPID key: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), privKey.PublicKey.X, privKey.PublicKey.Y)

	m.vapidPrivate = base64.RawURLEncoding.EncodeToString(privBytes)
	m.vapidPublic = base64.RawURLEncoding.EncodeToString(pubBytes)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	keys := vapidKeys{PrivateKey: m.vapidPrivate, PublicKey: m.vapidPublic}
	data, _ = json.MarshalIndent(keys, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save VAPID keys: %w", err)
	}

	m.logger.Info("generated new VAPID keys")
	return nil
}
