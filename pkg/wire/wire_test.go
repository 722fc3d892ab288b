package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeText(t *testing.T) {
	assert.Equal(t, "0:\"hi\"\n", string(EncodeText("hi")))
	assert.Equal(t, "0:\"a\\nb\"\n", string(EncodeText("a\nb")))
	assert.Equal(t, "0:\"<b>&</b>\"\n", string(EncodeText("<b>&</b>")))
	assert.Equal(t, "3:\"boom\"\n", string(EncodeError("boom")))
}

func TestEncodeData(t *testing.T) {
	b, err := EncodeData(map[string]string{"type": "append-message"})
	require.NoError(t, err)
	assert.Equal(t, "2:[{\"type\":\"append-message\"}]\n", string(b))
}

func TestRoundTrip(t *testing.T) {
	fragments := []string{"hello", "", " ", "line\nbreak", "quote \" and \\", "emoji 🙂", "0:\"nested\"\n"}
	var buf bytes.Buffer
	for _, f := range fragments {
		buf.Write(EncodeText(f))
	}
	got, err := DecodeTexts(&buf)
	require.NoError(t, err)
	assert.Equal(t, fragments, got)
}

func TestRoundTripProperty(t *testing.T) {
	prop := func(in []string) bool {
		var buf bytes.Buffer
		want := make([]string, 0, len(in))
		for _, s := range in {
			s = strings.ToValidUTF8(s, "?")
			want = append(want, s)
			buf.Write(EncodeText(s))
		}
		got, err := DecodeTexts(&buf)
		if err != nil || len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}
	require.NoError(t, quick.Check(prop, nil))
}

func TestDecoderSkipsNonText(t *testing.T) {
	data, err := EncodeData("x")
	require.NoError(t, err)
	stream := string(EncodeText("a")) + string(data) + string(EncodeError("e")) + string(EncodeText("b"))

	got, err := DecodeTexts(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	d := NewDecoder(strings.NewReader(stream))
	codes := []byte{}
	for {
		f, err := d.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		codes = append(codes, f.Code)
	}
	assert.Equal(t, []byte{CodeText, CodeData, CodeError, CodeText}, codes)
}

func TestDecoderRejectsMalformed(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("hello\n")).Next()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewDecoder(strings.NewReader("0:\"unterminated\n")).Next()
	assert.ErrorIs(t, err, ErrMalformed)
}
