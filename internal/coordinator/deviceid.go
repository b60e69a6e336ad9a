package coordinator

import (
	"os"
	"path/filepath"
	"strings"
)

// DeviceID builds the stable identity of an instance:
// [prefix@]hostname:absolute-working-directory.
func DeviceID(prefix, hostname, workDir string) string {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	abs := workDir
	if a, err := filepath.Abs(workDir); err == nil {
		abs = a
	}
	id := hostname + ":" + abs
	prefix = strings.TrimSpace(prefix)
	if prefix != "" {
		id = prefix + "@" + id
	}
	return id
}

// SanitizeDeviceID maps a device id to a filesystem-safe file stem: every
// character outside [A-Za-z0-9._@-] becomes '-'.
func SanitizeDeviceID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z',
			r >= 'a' && r <= 'z',
			r >= '0' && r <= '9',
			r == '.', r == '_', r == '@', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
