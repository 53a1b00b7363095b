package utils

import (
	"strings"
	"unsafe"
)

func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}

// VersionedName joins a store base name with the cache version.
func VersionedName(base, version string) string {
	if version == "" {
		return base
	}
	return base + "-" + version
}

func TrimSlashes(s string) string {
	return strings.Trim(s, "/")
}
