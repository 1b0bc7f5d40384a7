package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadLines(t *testing.T) {
	t.Parallel()
	var lines []string
	ReadLines(strings.NewReader("session start\n\n  send k v \r\nquit"), func(line string) {
		lines = append(lines, line)
	})
	assert.Equal(t, []string{"session start", "send k v", "quit"}, lines)
}
