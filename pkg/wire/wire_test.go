package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var me = Identity{ID: "AA:BB:CC:DD:EE:FF", Address: "10.0.0.1:8888", Control: "10.0.0.1:9999"}

func TestNewMessageStampsSenderAndDropsEmptyTags(t *testing.T) {
	m, err := me.NewMessage(map[string]int{"n": 1}, "update_records", "", "overrule")
	require.NoError(t, err)

	assert.Equal(t, me.ID, m.SenderID)
	assert.Equal(t, me.Address, m.SenderAddress)
	assert.Equal(t, me.Control, m.SenderControl)
	assert.Equal(t, []string{"update_records", "overrule"}, m.Header)
	assert.JSONEq(t, `{"n":1}`, string(m.Data))
}

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		data any
		tags []string
	}{
		{"no data", nil, []string{"ping"}},
		{"no header", "hello", nil},
		{"object", map[string]any{"a": []int{1, 2}, "b": "x"}, []string{"update_resources", "section:lights"}},
		// the old sentinel must travel as ordinary payload
		{"sentinel bytes", "\x00EOF\x00", []string{TagCloseConnection}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := me.NewMessage(tc.data, tc.tags...)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, m, DefaultLimits()))
			got, err := ReadMessage(&buf, DefaultLimits())
			require.NoError(t, err)

			assert.Equal(t, m.SenderID, got.SenderID)
			assert.Equal(t, m.SenderAddress, got.SenderAddress)
			assert.Equal(t, len(m.Header), len(got.Header))
			for i := range m.Header {
				assert.Equal(t, m.Header[i], got.Header[i])
			}
			if m.Data == nil {
				assert.Empty(t, got.Data)
			} else {
				assert.JSONEq(t, string(m.Data), string(got.Data))
			}
			assert.Zero(t, buf.Len(), "exactly one message consumed")
		})
	}
}

func TestReadMessageSequential(t *testing.T) {
	var buf bytes.Buffer
	for _, tag := range []string{"one", "two", "three"} {
		m, err := me.NewMessage(nil, tag)
		require.NoError(t, err)
		require.NoError(t, WriteMessage(&buf, m, DefaultLimits()))
	}
	for _, want := range []string{"one", "two", "three"} {
		m, err := ReadMessage(&buf, DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, []string{want}, m.Header)
	}
	_, err := ReadMessage(&buf, DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageErrors(t *testing.T) {
	lim := Limits{MaxPayloadBytes: 16}

	var big bytes.Buffer
	_ = binary.Write(&big, binary.BigEndian, uint32(17))
	_, err := ReadMessage(&big, lim)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = ReadMessage(bytes.NewReader([]byte{0, 0}), lim)
	assert.ErrorIs(t, err, ErrShortFrame)

	var trunc bytes.Buffer
	_ = binary.Write(&trunc, binary.BigEndian, uint32(10))
	trunc.WriteString("{}")
	_, err = ReadMessage(&trunc, lim)
	assert.ErrorIs(t, err, ErrShortFrame)

	var junk bytes.Buffer
	_ = binary.Write(&junk, binary.BigEndian, uint32(3))
	junk.WriteString("{{{")
	_, err = ReadMessage(&junk, lim)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestWriteMessageRejectsOversize(t *testing.T) {
	m, err := me.NewMessage(string(make([]byte, 64)), "x")
	require.NoError(t, err)
	err = WriteMessage(io.Discard, m, Limits{MaxPayloadBytes: 8})
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))
}

func TestDatagramRoundTrip(t *testing.T) {
	m, err := me.NewMessage([]string{"a"}, "acknowledge")
	require.NoError(t, err)
	b, err := Marshal(m)
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, m.Header, got.Header)
	assert.Equal(t, m.SenderID, got.SenderID)
	assert.JSONEq(t, string(m.Data), string(got.Data))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "update_records", Normalize("Update Records"))
	assert.Equal(t, "check_version", Normalize("check.version"))
	assert.Equal(t, "a__b", Normalize("a, b"))
	assert.Equal(t, "ping", Normalize("ping"))
}

func TestTaggedAndTagValue(t *testing.T) {
	m := Message{Header: []string{"Update Resources", "section:lights"}}
	assert.True(t, m.Tagged("update_resources"))
	assert.False(t, m.Tagged("overrule"))

	v, ok := m.TagValue("section")
	assert.True(t, ok)
	assert.Equal(t, "lights", v)
	_, ok = m.TagValue("missing")
	assert.False(t, ok)
}

func TestDistill(t *testing.T) {
	m, err := me.NewMessage("Play some music please", "voice")
	require.NoError(t, err)

	d := Distill(m, "PLAY")
	assert.Equal(t, []string{"voice", "play"}, d.Header)
	text, ok := d.Text()
	require.True(t, ok)
	assert.Equal(t, "some music please", text)

	// input untouched
	assert.Equal(t, []string{"voice"}, m.Header)
	orig, _ := m.Text()
	assert.Equal(t, "Play some music please", orig)

	same := Distill(m, "stop")
	assert.Equal(t, m.Header, same.Header)

	obj, err := me.NewMessage(json.RawMessage(`{"play":1}`), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, Distill(obj, "play").Header)
}

func TestDistillNonASCIIText(t *testing.T) {
	cases := map[string]string{
		// lower-casing changes the byte length of these letters
		"ȺȺȺplay":       "ȺȺȺ",
		"İİİ play jazz": "İİİ  jazz",
		"çà PLAY là":    "çà  là",
	}
	for in, want := range cases {
		m, err := me.NewMessage(in)
		require.NoError(t, err)
		d := Distill(m, "play")
		assert.Equal(t, []string{"play"}, d.Header, in)
		text, ok := d.Text()
		require.True(t, ok)
		assert.Equal(t, want, text, in)
	}
}

func TestDecode(t *testing.T) {
	m, err := me.NewMessage(map[string]string{"version": "1.2.3"})
	require.NoError(t, err)
	var v struct{ Version string }
	require.NoError(t, m.Decode(&v))
	assert.Equal(t, "1.2.3", v.Version)

	assert.ErrorIs(t, Message{}.Decode(&v), ErrNoData)
}
