package domain

import (
	"strings"

	rpmver "github.com/knqyf263/go-rpm-version"
)

// ParseNVR splits a name-version-release identifier into its parts.
// The version and release never contain dashes, so the last two dashes
// delimit the fields. Malformed input yields the whole string as name.
func ParseNVR(nvr string) (name, version, release string) {
	i := strings.LastIndex(nvr, "-")
	if i < 0 {
		return nvr, "", ""
	}
	release = nvr[i+1:]
	rest := nvr[:i]
	j := strings.LastIndex(rest, "-")
	if j < 0 {
		return nvr, "", ""
	}
	return rest[:j], rest[j+1:], release
}

// CompareNVR compares the version-release of two NVRs using rpm version
// ordering. Returns <0, 0 or >0. Only meaningful for NVRs of the same
// package name.
func CompareNVR(a, b string) int {
	_, av, ar := ParseNVR(a)
	_, bv, br := ParseNVR(b)
	va := rpmver.NewVersion(av + "-" + ar)
	vb := rpmver.NewVersion(bv + "-" + br)
	return va.Compare(vb)
}
