package fake

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailcatcher-lite/internal/parser"
)

func TestMessageDecodes(t *testing.T) {
	g := New(42)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	env, raw := g.Message()
	require.NotEmpty(t, env.From)
	require.Len(t, env.To, 1)

	msg := parser.Parse(env, raw, now)
	assert.Empty(t, msg.Anomalies)
	assert.NotEmpty(t, msg.Subject)
	assert.Equal(t, env.From, msg.From)
	assert.Equal(t, []string{"mailcatcher/fake"}, msg.Header("X-Mailer"))
	assert.True(t, strings.HasPrefix(msg.Body, "Lorem ipsum dolor sit amet, "), "body: %q", msg.Body)
	assert.False(t, msg.Date.After(now))
	assert.False(t, msg.Date.Before(now.Add(-maxAge-time.Second)))
}

func TestMessagesDiffer(t *testing.T) {
	g := New(0)
	_, a := g.Message()
	_, b := g.Message()
	assert.NotEqual(t, string(a), string(b))
}

func TestWrap(t *testing.T) {
	got := wrap("aaa bbb ccc dddddddddd e", 7)
	assert.Equal(t, "aaa bbb\r\nccc\r\ndddddddddd\r\ne", got)

	for _, line := range strings.Split(wrap(strings.Repeat("word ", 100), wrapWidth), "\r\n") {
		assert.LessOrEqual(t, len(line), wrapWidth)
	}
}
