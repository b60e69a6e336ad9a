package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/utensil/opencode-telegram-mirror/internal/fsstore"
)

const (
	stateFile  = "state.json"
	devicesDir = "devices"
)

// Registry is the typed view of the shared store: the single StateRecord
// plus one DeviceRecord per instance.
type Registry struct {
	store  *fsstore.Store
	logger *slog.Logger
}

func NewRegistry(store *fsstore.Store, logger *slog.Logger) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("coordinator: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.EnsureSubdir(devicesDir); err != nil {
		return nil, err
	}
	return &Registry{store: store, logger: logger}, nil
}

func devicePath(name string) string {
	return devicesDir + "/" + SanitizeDeviceID(name) + ".json"
}

// ReadState returns the StateRecord, or a zero record when the file does
// not exist yet.
func (r *Registry) ReadState() (StateRecord, bool, error) {
	var state StateRecord
	found, err := r.store.ReadJSON(stateFile, &state)
	if err != nil {
		return StateRecord{}, false, err
	}
	return state, found, nil
}

// WriteState replaces the StateRecord. Only the leader (or a forced
// activation) calls this.
func (r *Registry) WriteState(state StateRecord) error {
	return r.store.WriteJSON(stateFile, state)
}

// InitState writes an empty StateRecord if none exists.
func (r *Registry) InitState(modifiedBy string, now time.Time) error {
	_, found, err := r.ReadState()
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return r.WriteState(StateRecord{
		LastModified: millis(now),
		ModifiedBy:   modifiedBy,
	})
}

// WriteDevice upserts a DeviceRecord.
func (r *Registry) WriteDevice(rec DeviceRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("coordinator: device record without name")
	}
	return r.store.WriteJSON(devicePath(rec.Name), rec)
}

// RemoveDevice deletes the record for name.
func (r *Registry) RemoveDevice(name string) error {
	return r.store.Delete(devicePath(name))
}

// DeviceListEntry is a DeviceRecord with its 1-based selection number and
// active flag, ready for /dev rendering.
type DeviceListEntry struct {
	Number int
	Active bool
	DeviceRecord
}

// ListDevices reads every devices/*.json, skipping malformed files, sorted
// active-first then lastSeen descending, with 1-based numbering.
func (r *Registry) ListDevices() ([]DeviceListEntry, error) {
	state, _, err := r.ReadState()
	if err != nil {
		return nil, err
	}
	names, err := r.store.List(devicesDir)
	if err != nil {
		return nil, err
	}
	records := make([]DeviceRecord, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec DeviceRecord
		found, err := r.store.ReadJSON(devicesDir+"/"+name, &rec)
		if err != nil || !found || strings.TrimSpace(rec.Name) == "" {
			r.logger.Warn("skipping malformed device record", "file", name, "error", err)
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		iActive := records[i].Name == state.ActiveDevice
		jActive := records[j].Name == state.ActiveDevice
		if iActive != jActive {
			return iActive
		}
		return records[i].LastSeen > records[j].LastSeen
	})
	entries := make([]DeviceListEntry, len(records))
	for i, rec := range records {
		entries[i] = DeviceListEntry{
			Number:       i + 1,
			Active:       rec.Name == state.ActiveDevice,
			DeviceRecord: rec,
		}
	}
	return entries, nil
}

// FindDevice resolves a /use or /stop selector: a 1-based number or a name
// (exact match first, then unique prefix).
func (r *Registry) FindDevice(selector string) (DeviceListEntry, error) {
	entries, err := r.ListDevices()
	if err != nil {
		return DeviceListEntry{}, err
	}
	selector = strings.TrimSpace(selector)
	if n, ok := parseIndex(selector); ok {
		for _, e := range entries {
			if e.Number == n {
				return e, nil
			}
		}
		return DeviceListEntry{}, fmt.Errorf("no device #%d", n)
	}
	var prefixMatches []DeviceListEntry
	for _, e := range entries {
		if e.Name == selector {
			return e, nil
		}
		if strings.HasPrefix(e.Name, selector) {
			prefixMatches = append(prefixMatches, e)
		}
	}
	if len(prefixMatches) == 1 {
		return prefixMatches[0], nil
	}
	return DeviceListEntry{}, fmt.Errorf("no device matching %q", selector)
}

// SweepStale removes DeviceRecords whose lastSeen exceeds maxAge and
// returns the removed names.
func (r *Registry) SweepStale(now time.Time, maxAge time.Duration) ([]string, error) {
	entries, err := r.ListDevices()
	if err != nil {
		return nil, err
	}
	cutoff := millis(now.Add(-maxAge))
	var removed []string
	for _, e := range entries {
		if e.LastSeen >= cutoff {
			continue
		}
		if err := r.RemoveDevice(e.Name); err != nil {
			r.logger.Warn("failed to remove stale device record", "device", e.Name, "error", err)
			continue
		}
		removed = append(removed, e.Name)
	}
	return removed, nil
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, n > 0
}
