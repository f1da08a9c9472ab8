package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestInfo_Strings(t *testing.T) {
	info := Info{Version: "1.2.0", Commit: "abc123", BuildDate: "2026-01-01", GoVersion: "go1.25", Platform: "linux/amd64"}

	assert.Equal(t, "1.2.0", info.String())
	assert.Equal(t, "1.2.0 (abc123) built 2026-01-01 go1.25 linux/amd64", info.Full())
	assert.Equal(t, "latticed/1.2.0 NHOST", info.ConnectionName("NHOST"))
}
