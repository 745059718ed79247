package types //nolint:revive // types is a valid package name

import (
	"regexp"
	"testing"
)

func TestVersion_Format(t *testing.T) {
	// Version should be a valid semver
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	if !semverRegex.MatchString(Version) {
		t.Errorf("Version %q is not a valid semver", Version)
	}
}

func TestProtocolVersion_Format(t *testing.T) {
	// Handshakes compare the major component, so it must parse as major.minor.
	if !regexp.MustCompile(`^\d+\.\d+$`).MatchString(ProtocolVersion) {
		t.Errorf("ProtocolVersion %q is not major.minor", ProtocolVersion)
	}
}
