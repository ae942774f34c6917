package message_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lbot/internal/message"
)

var opts = message.Options{Triggers: []string{"#", "＃"}, MaxItemLength: 64}

func TestParseGroupNeedsTrigger(t *testing.T) {
	_, ok, err := message.Parse("タスク列挙", true, opts)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, text := range []string{"#タスク列挙", "＃タスク列挙", "  # タスク列挙"} {
		msg, ok, err := message.Parse(text, true, opts)
		require.NoError(t, err, text)
		assert.True(t, ok, text)
		assert.Equal(t, "タスク列挙", msg.Token, text)
	}
}

func TestParseDirectSplitsParams(t *testing.T) {
	msg, ok, err := message.Parse("タスク追加\r\n 会議 \n\n明日 10:00\n", false, opts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "タスク追加", msg.Token)
	assert.Equal(t, []string{"会議", "明日 10:00"}, msg.Params)
}

func TestParseRejectsLongLines(t *testing.T) {
	_, ok, err := message.Parse("だれ\n"+strings.Repeat("あ", 65), false, opts)
	assert.True(t, ok)
	assert.ErrorIs(t, err, message.ErrTooLong)

	_, _, err = message.Parse(strings.Repeat("あ", 64), false, opts)
	assert.NoError(t, err)
}

func TestParseEmptyCommand(t *testing.T) {
	_, ok, err := message.Parse("#", true, opts)
	assert.True(t, ok)
	assert.ErrorIs(t, err, message.ErrEmpty)
}
