package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent_Defaults(t *testing.T) {
	b := Current()
	assert.Equal(t, Build{Version: "dev", Commit: "unknown", Date: "unknown"}, b)
	assert.True(t, b.Dev())
}

func TestBuild_String(t *testing.T) {
	b := Build{Version: "v1.2.0", Commit: "9f1c2ab", Date: "2026-02-01"}
	assert.Equal(t, "version=v1.2.0 commit=9f1c2ab date=2026-02-01", b.String())
	assert.False(t, b.Dev())
}

func TestString_UsesLinkedValues(t *testing.T) {
	prev := version
	version = "v2.0.0"
	defer func() { version = prev }()

	assert.Equal(t, "version=v2.0.0 commit=unknown date=unknown", String())
}
