package devicestore

import (
	"path/filepath"
	"testing"
)

func TestStore_DeviceAndSubscriptionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(nil, filepath.Join(dir, "devices.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpsertDevice("dev-1", "phone"); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	devices, err := s.Devices()
	if err != nil || len(devices) != 1 || devices[0].ID != "dev-1" {
		t.Fatalf("unexpected devices: %v %v", devices, err)
	}

	if err := s.SaveSubscription(Subscription{DeviceID: "dev-1", Endpoint: "https://push.example/ep", P256dh: "p", Auth: "a"}); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	subs, err := s.Subscriptions()
	if err != nil || len(subs) != 1 || subs[0].Endpoint != "https://push.example/ep" {
		t.Fatalf("unexpected subscriptions: %v %v", subs, err)
	}

	if err := s.RemoveDevice("dev-1"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}
	devices, _ = s.Devices()
	if len(devices) != 0 {
		t.Fatalf("expected device removed, got %v", devices)
	}
}
