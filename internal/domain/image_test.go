package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImage_Name(t *testing.T) {
	img := &Image{NVR: "nodejs-12-container-1-20.1"}
	assert.Equal(t, "nodejs-12-container", img.Name())
}

func TestImage_ContentSets_UnionAcrossArches(t *testing.T) {
	img := &Image{
		NVR: "httpd-2.4-12",
		ContentSetsByArch: map[string][]string{
			"x86_64":  {"rhel-7-server-rpms", "rhel-7-extras-rpms"},
			"ppc64le": {"rhel-7-server-rpms", "rhel-7-ppc-rpms"},
		},
	}
	assert.Equal(t, []string{"ppc64le", "x86_64"}, img.Arches())
	assert.Equal(t,
		[]string{"rhel-7-extras-rpms", "rhel-7-ppc-rpms", "rhel-7-server-rpms"},
		img.ContentSets())
}

func TestImage_AddArch_DoesNotOverwrite(t *testing.T) {
	img := &Image{NVR: "httpd-2.4-12"}
	img.AddArch("x86_64", []string{"a"})
	img.AddArch("x86_64", []string{"b"})
	assert.Equal(t, []string{"a"}, img.ContentSetsByArch["x86_64"])
}

func TestImage_HasOlderRPMs(t *testing.T) {
	img := &Image{
		NVR: "httpd-2.4-12",
		RPMs: []RPM{
			{Name: "openssl", NVR: "openssl-1.0.1-1"},
			{Name: "bash", NVR: "bash-4.2-5"},
		},
	}
	assert.True(t, img.HasOlderRPMs([]string{"openssl-1.0.2-1"}))
	assert.False(t, img.HasOlderRPMs([]string{"openssl-1.0.1-1"}))
	assert.False(t, img.HasOlderRPMs([]string{"openssl-1.0.0-1"}))
	// Unrelated package names never match.
	assert.False(t, img.HasOlderRPMs([]string{"glibc-2.28-1"}))

	noManifest := &Image{NVR: "httpd-2.4-12"}
	assert.False(t, noManifest.HasOlderRPMs([]string{"openssl-1.0.2-1"}))
}

func TestRepository_HasAutoRebuildTag(t *testing.T) {
	repo := Repository{Name: "rh/httpd", AutoRebuildTags: []string{"latest", "7.4"}}
	assert.True(t, repo.HasAutoRebuildTag([]string{"7.4"}))
	assert.False(t, repo.HasAutoRebuildTag([]string{"7.3"}))
	assert.False(t, repo.HasAutoRebuildTag(nil))
}

func TestArena_Add_FirstInstanceWins(t *testing.T) {
	arena := Arena{}
	first := &Image{NVR: "httpd-2.4-12", DirectlyAffected: true}
	second := &Image{NVR: "httpd-2.4-12"}

	require.Same(t, first, arena.Add(first))
	assert.Same(t, first, arena.Add(second))
	assert.True(t, arena["httpd-2.4-12"].DirectlyAffected)
}

func TestArena_Parent(t *testing.T) {
	arena := Arena{}
	parent := arena.Add(&Image{NVR: "s2i-base-1-5"})
	child := arena.Add(&Image{NVR: "httpd-2.4-12", ParentNVR: "s2i-base-1-5"})

	assert.Same(t, parent, arena.Parent(child))
	assert.Nil(t, arena.Parent(parent))
	assert.Nil(t, arena.Parent(&Image{NVR: "x-1-1", ParentNVR: "unknown-1-1"}))
}
