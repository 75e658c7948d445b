package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "lightbox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertDeviceInsertsAndRefreshes(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	if err := store.UpsertDevice("ios_Kims-iPhone_abc", "ios", "Kims-iPhone", "192.168.1.20:7000", now); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	device, err := store.GetDevice("ios_Kims-iPhone_abc")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Platform != "ios" || device.DeviceName != "Kims-iPhone" {
		t.Fatalf("unexpected device %+v", device)
	}
	if device.Status != DeviceStatusPaired {
		t.Fatalf("expected paired status, got %q", device.Status)
	}
	if device.LastKnownAddress == nil || *device.LastKnownAddress != "192.168.1.20:7000" {
		t.Fatalf("unexpected address %v", device.LastKnownAddress)
	}

	// Empty fields must not erase stored values.
	later := now.Add(time.Minute)
	if err := store.UpsertDevice("ios_Kims-iPhone_abc", "", "", "", later); err != nil {
		t.Fatalf("refresh upsert: %v", err)
	}
	device, err = store.GetDevice("ios_Kims-iPhone_abc")
	if err != nil {
		t.Fatalf("get device after refresh: %v", err)
	}
	if device.Platform != "ios" || device.DeviceName != "Kims-iPhone" {
		t.Fatalf("refresh erased identity fields: %+v", device)
	}
	if device.LastKnownAddress == nil || *device.LastKnownAddress != "192.168.1.20:7000" {
		t.Fatalf("refresh erased address: %v", device.LastKnownAddress)
	}
	if device.LastSeenTimestamp == nil || *device.LastSeenTimestamp != later.UnixMilli() {
		t.Fatalf("expected last seen advanced, got %v", device.LastSeenTimestamp)
	}
}

func TestMarkDeviceStatus(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	if err := store.MarkDeviceStatus("ios_Missing_xyz", DeviceStatusConnected, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing device, got %v", err)
	}

	if err := store.UpsertDevice("ios_Kims-iPhone_abc", "ios", "Kims-iPhone", "", now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.MarkDeviceStatus("ios_Kims-iPhone_abc", DeviceStatusConnected, now); err != nil {
		t.Fatalf("mark connected: %v", err)
	}
	if err := store.MarkDeviceStatus("ios_Kims-iPhone_abc", "rebooting", now); err == nil {
		t.Fatalf("expected invalid status rejection")
	}

	device, err := store.GetDevice("ios_Kims-iPhone_abc")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if device.Status != DeviceStatusConnected {
		t.Fatalf("expected connected status, got %q", device.Status)
	}
}

func TestListDevicesSortedByName(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	if err := store.UpsertDevice("ios_Zeta_222", "ios", "Zeta", "", now); err != nil {
		t.Fatalf("upsert zeta: %v", err)
	}
	if err := store.UpsertDevice("ios_Alpha_111", "ios", "Alpha", "", now); err != nil {
		t.Fatalf("upsert alpha: %v", err)
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 2 || devices[0].DeviceName != "Alpha" || devices[1].DeviceName != "Zeta" {
		t.Fatalf("unexpected device order %+v", devices)
	}
}

func TestConnectionEventsRoundTripAndPrune(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	if err := store.RecordConnectionEvent("ios_Kims-iPhone_abc", "connect_attempt", "", now.Add(-time.Hour)); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := store.RecordConnectionEvent("ios_Kims-iPhone_abc", "failed", "handshake timeout", now); err != nil {
		t.Fatalf("record event: %v", err)
	}

	events, err := store.RecentConnectionEvents("ios_Kims-iPhone_abc", 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "failed" || events[0].Detail != "handshake timeout" {
		t.Fatalf("expected newest event first, got %+v", events[0])
	}

	// Only events older than the retention window are pruned.
	store.eventRetention = 30 * time.Minute
	removed, err := store.PruneConnectionEvents(now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned event, got %d", removed)
	}

	events, err = store.RecentConnectionEvents("ios_Kims-iPhone_abc", 10)
	if err != nil {
		t.Fatalf("recent events after prune: %v", err)
	}
	if len(events) != 1 || events[0].Event != "failed" {
		t.Fatalf("unexpected events after prune %+v", events)
	}
}

func TestRemoveDeviceDropsEvents(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	if err := store.UpsertDevice("ios_Kims-iPhone_abc", "ios", "Kims-iPhone", "", now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.RecordConnectionEvent("ios_Kims-iPhone_abc", "connected", "", now); err != nil {
		t.Fatalf("record event: %v", err)
	}

	if err := store.RemoveDevice("ios_Kims-iPhone_abc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.GetDevice("ios_Kims-iPhone_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	events, err := store.RecentConnectionEvents("ios_Kims-iPhone_abc", 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events dropped with device, got %+v", events)
	}
	if err := store.RemoveDevice("ios_Kims-iPhone_abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "lightbox")

	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if filepath.Dir(dbPath) != dataDir {
		t.Fatalf("expected db under data dir, got %q", dbPath)
	}

	// Reopen to confirm migrations are idempotent.
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = reopened.Close()
}
