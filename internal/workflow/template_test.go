package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandTemplate(t *testing.T) {
	vars := map[string]string{"name": "alice", "workspace": "/ws"}

	assert.Equal(t, "hello alice", ExpandTemplate("hello ${name}", vars))
	assert.Equal(t, "path /ws/x", ExpandTemplate("path ${workspace}/x", vars))
	assert.Equal(t, "missing: ", ExpandTemplate("missing: ${undefined}", vars))
	assert.Equal(t, "unterminated ${name", ExpandTemplate("unterminated ${name", vars))
	assert.Equal(t, "no placeholders here", ExpandTemplate("no placeholders here", vars))
}
