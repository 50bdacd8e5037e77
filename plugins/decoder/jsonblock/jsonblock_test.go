package jsonblock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmextract/pkg/contract"
)

func decode(t *testing.T, d *Decoder, text string) (map[string]any, error) {
	t.Helper()
	b, err := d.Decode(context.Background(), "doc.pdf", contract.Raw{Text: text})
	if err != nil {
		return nil, err
	}
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m), string(b))
	return m, nil
}

func TestDecodeShapes(t *testing.T) {
	d := New(nil)
	cases := map[string]string{
		"plain":       `{"name":"ACME","accuracy_score":0.9}`,
		"fenced json": "Here you go:\n```json\n{\"name\":\"ACME\",\"accuracy_score\":0.9}\n```\nthanks",
		"bare fence":  "```\n{\"name\":\"ACME\",\"accuracy_score\":0.9}\n```",
		"raw_text":    `{"raw_text":"` + "```json\\n{\\\"name\\\":\\\"ACME\\\",\\\"accuracy_score\\\":0.9}\\n```" + `"}`,
		"nested":      `{"raw_text":"{\"raw_text\":\"{\\\"name\\\":\\\"ACME\\\",\\\"accuracy_score\\\":0.9}\"}"}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := decode(t, d, text)
			require.NoError(t, err)
			assert.Equal(t, "ACME", m["name"])
			assert.Equal(t, 0.9, m["accuracy_score"])
		})
	}
}

func TestDecodeFirstFenceWins(t *testing.T) {
	m, err := decode(t, New(nil), "```json\n{\"a\":1}\n```\n```json\n{\"a\":2}\n```")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m["a"])
}

func TestDecodeInvalid(t *testing.T) {
	d := New(nil)
	for _, text := range []string{
		"no json here",
		"```json\n{broken\n```",
		"",
		`"just a string"`,
		`{"raw_text":"still not json"}`,
	} {
		_, err := d.Decode(context.Background(), "x.pdf", contract.Raw{Text: text})
		assert.ErrorIs(t, err, contract.ErrResponseInvalid, "text=%q", text)
	}
}

func TestDecodeOptions(t *testing.T) {
	b, err := New(&Options{Compact: true}).Decode(context.Background(), "x", contract.Raw{Text: "{ \"a\" : [1, 2] }"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2]}`, string(b))

	b, err = New(&Options{AllowScalar: true}).Decode(context.Background(), "x", contract.Raw{Text: "42"})
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(nil).Decode(ctx, "x", contract.Raw{Text: "{}"})
	assert.ErrorIs(t, err, context.Canceled)
}
