package version

import (
	"regexp"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort_SemverOrDev(t *testing.T) {
	v := Short()
	if v == "dev" {
		return
	}
	semver := regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?(\+[a-zA-Z0-9.]+)?$`)
	assert.Regexp(t, semver, v)
}

func TestString_ContainsBuildDetails(t *testing.T) {
	s := String()

	assert.True(t, strings.HasPrefix(s, "tamizdat "))
	assert.Contains(t, s, "commit:")
	assert.Contains(t, s, runtime.Version())
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
}

func TestGetInfo_LdflagsWin(t *testing.T) {
	// Given: values injected as if by ldflags
	oldV, oldC, oldD := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = oldV, oldC, oldD })
	Version, Commit, Date = "1.4.0", "abc1234", "2026-01-02T03:04:05Z"

	// When: reading build info
	info := GetInfo()

	// Then: injected values are reported as-is
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abc1234", info.Commit)
	assert.Equal(t, "2026-01-02T03:04:05Z", info.Date)
	assert.Equal(t, "tamizdat/1.4.0", UserAgent())
}
