package mock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmextract/pkg/contract"
	"llmextract/plugins/decoder/jsonblock"
)

var doc = contract.Document{ID: "dir/a.pdf", Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("hello")}

// 各模式均可被 jsonblock 解码为同一结果
func TestModesDecode(t *testing.T) {
	dec := jsonblock.New(nil)
	for _, mode := range []string{"", "fenced_json", "json", "raw_text"} {
		c, err := New(&Options{ResponseMode: mode})
		require.NoError(t, err)
		raw, err := c.Invoke(context.Background(), doc, contract.Prompt{User: "u"})
		require.NoError(t, err)
		out, err := dec.Decode(context.Background(), doc.ID, raw)
		require.NoError(t, err, "mode=%s", mode)
		var got map[string]any
		require.NoError(t, json.Unmarshal(out, &got))
		assert.Equal(t, "a.pdf", got["file"])
		assert.EqualValues(t, 5, got["bytes"])
		assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got["sha256"])
	}
}

func TestEcho(t *testing.T) {
	c, err := New(&Options{ResponseMode: "echo"})
	require.NoError(t, err)
	raw, err := c.Invoke(context.Background(), doc, contract.Prompt{System: "S", User: "U"})
	require.NoError(t, err)
	assert.Equal(t, "MOCK(system): S\nMOCK(user): U", raw.Text)
}

func TestUnknownMode(t *testing.T) {
	_, err := New(&Options{ResponseMode: "bogus"})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestDelayHonoursCancel(t *testing.T) {
	c, err := New(&Options{DelayMS: 1000})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Invoke(ctx, doc, contract.Prompt{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
