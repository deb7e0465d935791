package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func setVars(t *testing.T, v, c, d string) {
	t.Helper()
	ov, oc, od := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = ov, oc, od })
	Version, Commit, Date = v, c, d
}

func TestInfo(t *testing.T) {
	setVars(t, "1.2.3", "abc1234567890", "2026-01-15")

	info := Info()
	assert.Contains(t, info, "docchat 1.2.3")
	assert.Contains(t, info, "commit: abc1234,")
	assert.Contains(t, info, "2026-01-15")
	assert.Contains(t, info, runtime.Version())
	assert.Contains(t, info, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestFromBuildInfo(t *testing.T) {
	setVars(t, "dev", "unknown", "unknown")

	fromBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "v0.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-01T10:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	assert.Equal(t, "v0.4.0", Version)
	assert.Equal(t, "0123456789abcdef-dirty", Commit)
	assert.Equal(t, "2026-03-01T10:00:00Z", Date)
}

func TestFromBuildInfoKeepsLdflags(t *testing.T) {
	setVars(t, "1.0.0", "feedface", "2026-01-01")

	fromBuildInfo(&debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "other"}},
	})
	assert.Equal(t, "1.0.0", Version)
	assert.Equal(t, "feedface", Commit)
	assert.Equal(t, "2026-01-01", Date)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdefg", short("abcdefghij"))
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "", short(""))
}
