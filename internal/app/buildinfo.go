package app

import (
	"fmt"
	"strings"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

func BuildVersion() string {
	version := strings.TrimSpace(Version)
	if version == "" {
		return "dev"
	}

	return version
}

func BuildVersionWithDate() string {
	version := BuildVersion()
	if date := strings.TrimSpace(BuildDate); date != "" {
		return fmt.Sprintf("%s (%s)", version, date)
	}

	return version
}
