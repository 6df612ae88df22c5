package fingerprint

import (
	"fmt"
	"strings"

	"github.com/avct/uasurfer"
)

// ClientInfo is the normalized view of a client's user agent used to build
// the client signature carried on attempts.
type ClientInfo struct {
	Device  string
	OS      string
	Browser string
	Bot     bool
}

// Parse normalizes a raw user agent string. An empty or unparseable agent
// comes back as Unknown, which Signature still renders deterministically.
func Parse(userAgent string) ClientInfo {
	ua := uasurfer.Parse(userAgent)

	device := "Unknown"
	switch ua.DeviceType {
	case uasurfer.DeviceComputer:
		device = "Computer"
	case uasurfer.DeviceTablet:
		device = "Tablet"
	case uasurfer.DevicePhone:
		device = "Phone"
	case uasurfer.DeviceConsole:
		device = "Console"
	case uasurfer.DeviceWearable:
		device = "Wearable"
	case uasurfer.DeviceTV:
		device = "TV"
	}

	return ClientInfo{
		Device:  device,
		OS:      fmt.Sprintf("%s %d.%d", ua.OS.Name.String(), ua.OS.Version.Major, ua.OS.Version.Minor),
		Browser: fmt.Sprintf("%s %d.%d", ua.Browser.Name.String(), ua.Browser.Version.Major, ua.Browser.Version.Minor),
		Bot:     ua.IsBot(),
	}
}

// Signature renders a stable client signature for an attempt. Two requests
// from the same browser build produce the same signature.
func Signature(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "unknown"
	}
	info := Parse(userAgent)
	return strings.ToLower(strings.Join([]string{
		strings.ReplaceAll(info.Browser, " ", "-"),
		strings.ReplaceAll(info.OS, " ", "-"),
		info.Device,
	}, "/"))
}

// IsBot reports whether the user agent identifies as an automated client.
func IsBot(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return false
	}
	return uasurfer.Parse(userAgent).IsBot()
}
