// Package macaddr normalizes and validates beacon MAC addresses (§3, §8)
// to the canonical uppercase, colon-separated form every persisted row
// and every lookup key must share, regardless of the separator or case a
// desk unit happened to send.
package macaddr

import (
	"strings"

	"github.com/Rjrtgarcia/consultease/internal/errs"
)

// Normalize rewrites mac into the canonical AA:BB:CC:DD:EE:FF form: six
// two-hex-digit octets, colon-separated, uppercase, exactly 17
// characters. Accepts colon or hyphen separators on input. Returns
// *errs.Validation if mac does not decode to exactly six hex octets.
func Normalize(mac string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(mac))
	trimmed = strings.ReplaceAll(trimmed, "-", ":")

	octets := strings.Split(trimmed, ":")
	if len(octets) != 6 {
		return "", errs.NewValidation("mac address %q: expected 6 octets, got %d", mac, len(octets))
	}
	for _, octet := range octets {
		if len(octet) != 2 || !isHex(octet[0]) || !isHex(octet[1]) {
			return "", errs.NewValidation("mac address %q: octet %q is not two hex digits", mac, octet)
		}
	}

	normalized := strings.Join(octets, ":")
	if len(normalized) != 17 {
		return "", errs.NewValidation("mac address %q: normalized length %d, want 17", mac, len(normalized))
	}
	return normalized, nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F')
}
