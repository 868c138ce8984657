package version

// Version represents the current version of the quill bridge.
const Version = "0.4.1"

// BuildVersion returns the version string for display.
func BuildVersion() string {
	return "quill-bridge version " + Version
}

// APIVersion returns just the version number for wire-protocol replies.
func APIVersion() string {
	return Version
}
