package roboppi

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMirrorEnvPrefixAliasesIdempotent(t *testing.T) {
	os.Setenv("ROBOPPI_TEST_ALIAS", "value-a")
	defer os.Unsetenv("ROBOPPI_TEST_ALIAS")
	defer os.Unsetenv("AGENTCORE_TEST_ALIAS")

	mirrorEnvPrefixAliasesOnce()
	v1, ok := os.LookupEnv("AGENTCORE_TEST_ALIAS")
	assert.True(t, ok)
	assert.Equal(t, "value-a", v1)

	mirrorEnvPrefixAliasesOnce()
	v2, ok := os.LookupEnv("AGENTCORE_TEST_ALIAS")
	assert.True(t, ok)
	assert.Equal(t, v1, v2)
}

func TestMirrorEnvPrefixAliasesNeverOverwrites(t *testing.T) {
	os.Setenv("ROBOPPI_TEST_DISTINCT", "new-value")
	os.Setenv("AGENTCORE_TEST_DISTINCT", "legacy-value")
	defer os.Unsetenv("ROBOPPI_TEST_DISTINCT")
	defer os.Unsetenv("AGENTCORE_TEST_DISTINCT")

	mirrorEnvPrefixAliasesOnce()

	assert.Equal(t, "legacy-value", os.Getenv("AGENTCORE_TEST_DISTINCT"))
	assert.Equal(t, "new-value", os.Getenv("ROBOPPI_TEST_DISTINCT"))
}
