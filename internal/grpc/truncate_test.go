package grpc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateForLog(t *testing.T) {
	assert.Empty(t, truncateForLog(""))

	body := `{"payload": {"body": "AAAA"}}`
	assert.Equal(t, body, truncateForLog(body))

	atLimit := strings.Repeat("x", maxLogBodyLen)
	assert.Equal(t, atLimit, truncateForLog(atLimit))

	large := strings.Repeat("a", maxLogBodyLen) + strings.Repeat("b", 500)
	got := truncateForLog(large)
	assert.Equal(t, strings.Repeat("a", maxLogBodyLen)+"... (1524 bytes total)", got)
	assert.NotContains(t, got, "ab")
}
