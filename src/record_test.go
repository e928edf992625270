package astm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDelimitersConventional(t *testing.T) {
	var d, err = ParseDelimiters([]byte(`H|\^&|||cobas|||||||P|1`))
	require.NoError(t, err)
	assert.Equal(t, DefaultDelimiters, d)
}

func TestParseDelimitersCustom(t *testing.T) {
	var d, err = ParseDelimiters([]byte("H!~@%!!!analyzer"))
	require.NoError(t, err)
	assert.Equal(t, Delimiters{Field: '!', Repeat: '~', Component: '@', Escape: '%'}, d)
}

func TestParseDelimitersTruncated(t *testing.T) {
	// "H|" declares only the field delimiter; the rest fall back.
	var d, err = ParseDelimiters([]byte("H|"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDelimiters, d)
}

func TestParseDelimitersNotAHeader(t *testing.T) {
	var _, err = ParseDelimiters([]byte("P|1"))
	assert.Error(t, err)
}

func TestParseRecordFields(t *testing.T) {
	var rec = ParseRecord([]byte("R|1|^^^Glu|100|mg/dL||N||F"), DefaultDelimiters)

	assert.Equal(t, "R", rec.Type)
	assert.Equal(t, "1", rec.Field(1).Value)
	assert.Equal(t, "100", rec.Field(3).Value)
	assert.Equal(t, "mg/dL", rec.Field(4).Value)

	var test = rec.Field(2)
	require.Equal(t, FieldComponents, test.Kind)
	require.Len(t, test.Items, 4)
	assert.Equal(t, "Glu", test.Items[3].Value)
}

func TestParseRecordOutOfRangeField(t *testing.T) {
	var rec = ParseRecord([]byte("L|1|N"), DefaultDelimiters)
	assert.Equal(t, FieldLeaf, rec.Field(99).Kind)
	assert.Empty(t, rec.Field(99).Value)
}

func TestParseRecordRepeats(t *testing.T) {
	var rec = ParseRecord([]byte(`Q|1|ALL\STAT`), DefaultDelimiters)

	var f = rec.Field(2)
	require.Equal(t, FieldRepeat, f.Kind)
	require.Len(t, f.Items, 2)
	assert.Equal(t, "ALL", f.Items[0].Value)
	assert.Equal(t, "STAT", f.Items[1].Value)
}

func TestParseRecordRepeatOfComponents(t *testing.T) {
	var rec = ParseRecord([]byte(`P|1|a^b\c^d`), DefaultDelimiters)

	var f = rec.Field(2)
	require.Equal(t, FieldRepeat, f.Kind)
	require.Equal(t, FieldComponents, f.Items[0].Kind)
	assert.Equal(t, "b", f.Items[0].Items[1].Value)
	assert.Equal(t, "c", f.Items[1].Items[0].Value)
}

func TestParseRecordHeaderKeepsDelimiterField(t *testing.T) {
	var rec = ParseRecord([]byte(`H|\^&|||cobas`), DefaultDelimiters)

	// Field 1 is the delimiter declaration itself and must not be
	// split on the characters it declares.
	assert.Equal(t, FieldLeaf, rec.Field(1).Kind)
	assert.Equal(t, `\^&`, rec.Field(1).Value)
	assert.Equal(t, "cobas", rec.Field(4).Value)
}

func TestParseRecordEscapes(t *testing.T) {
	var cases = []struct {
		in   string
		want string
	}{
		{"ab&F&cd", "ab|cd"},
		{"ab&R&cd", `ab\cd`},
		{"ab&S&cd", "ab^cd"},
		{"ab&E&cd", "ab&cd"},
		{"&F&&F&", "||"},
	}
	for _, c := range cases {
		var rec = ParseRecord([]byte("C|1|"+c.in), DefaultDelimiters)
		assert.Equal(t, c.want, rec.Field(2).Value, "input %q", c.in)
	}
}

func TestParseRecordUnknownEscapePassesThrough(t *testing.T) {
	var rec = ParseRecord([]byte("C|1|ab&H&cd"), DefaultDelimiters)
	assert.Equal(t, "ab&H&cd", rec.Field(2).Value)
}

func TestParseRecordSubcomponents(t *testing.T) {
	// A bare escape character that does not introduce a recognized
	// escape splits subcomponents.
	var rec = ParseRecord([]byte("O|1|spec&one&two"), DefaultDelimiters)

	var f = rec.Field(2)
	require.Equal(t, FieldSubcomponents, f.Kind)
	assert.Equal(t, []string{"spec", "one", "two"}, f.Subs)
}

func TestFieldFlatRoundTrip(t *testing.T) {
	var cases = []string{
		"plain",
		"a^b^c",
		`x\y`,
		"s&t&u",
	}
	for _, c := range cases {
		var rec = ParseRecord([]byte("M|1|"+c), DefaultDelimiters)
		assert.Equal(t, c, rec.Field(2).Flat(DefaultDelimiters))
	}
}

func TestTimestampNormalization(t *testing.T) {
	var rec = ParseRecord([]byte("P|1||||Doe^John|||M|||||19811204123045"), DefaultDelimiters)

	var f = rec.Field(13)
	require.True(t, f.HasTime)
	assert.Equal(t, time.Date(1981, 12, 4, 12, 30, 45, 0, time.UTC), f.Time)
	assert.Equal(t, "19811204123045", f.Value, "raw text is kept")
}

func TestTimestampTruncated(t *testing.T) {
	var cases = map[string]time.Time{
		"20240131":       time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		"2024013112":     time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC),
		"202401311230":   time.Date(2024, 1, 31, 12, 30, 0, 0, time.UTC),
		"20240131123045": time.Date(2024, 1, 31, 12, 30, 45, 0, time.UTC),
	}
	for in, want := range cases {
		var ts, ok, bad = parseTimestamp(in)
		require.True(t, ok, "input %q", in)
		assert.False(t, bad)
		assert.Equal(t, want, ts)
	}
}

func TestTimestampMalformedIsFlagged(t *testing.T) {
	// Timestamp shape, impossible calendar date.
	var rec = ParseRecord([]byte("H|\\^&|||cobas|||||||P|1|20241399"), DefaultDelimiters)

	var f = rec.Field(13)
	assert.False(t, f.HasTime)
	assert.True(t, f.BadTime)
	assert.Equal(t, "20241399", f.Value)
}

func TestTimestampShapeMismatchNotFlagged(t *testing.T) {
	for _, in := range []string{"", "123", "abc", "2024-01-31", "999999999999999"} {
		var _, ok, bad = parseTimestamp(in)
		assert.False(t, ok, "input %q", in)
		assert.False(t, bad, "input %q should not be flagged", in)
	}
}

func TestMessageText(t *testing.T) {
	var msg = &Message{
		Records: []Record{
			ParseRecord([]byte(`H|\^&`), DefaultDelimiters),
			ParseRecord([]byte("L|1|N"), DefaultDelimiters),
		},
	}
	assert.Equal(t, "H|\\^&\rL|1|N", msg.Text())
	assert.Equal(t, []string{"H", "L"}, msg.Types())
}
