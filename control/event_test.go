package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	data, err := Encode(Event{Kind: KindSave, Sender: "s-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventType":"SAVE","senderId":"s-1"}`, string(data))

	data, err = Encode(Event{Kind: KindTitleUpdate, Sender: "s-1", Title: "Report"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventType":"TITLE_UPDATE","senderId":"s-1","title":"Report"}`, string(data))

	// an empty title is still sent for title updates
	data, err = Encode(Event{Kind: KindTitleUpdate, Sender: "s-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventType":"TITLE_UPDATE","senderId":"s-1","title":""}`, string(data))

	_, err = Encode(Event{Kind: "DELETE", Sender: "s-1"})
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"eventType":"SAVE","senderId":"abc","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: KindSave, Sender: "abc"}, ev)

	ev, err = Decode([]byte(`{"eventType":"TITLE_UPDATE","senderId":"abc","title":"Q3 plan"}`))
	require.NoError(t, err)
	assert.Equal(t, Event{Kind: KindTitleUpdate, Sender: "abc", Title: "Q3 plan"}, ev)

	for _, input := range []string{
		`{}`,
		`null`,
		`[1,2]`,
		`"SAVE"`,
		`42`,
		`{"eventType":"DELETE","senderId":"abc"}`,
		`{"eventType":7}`,
		`{"eventType":"TITLE_UPDATE","senderId":"abc"}`,
	} {
		_, err := Decode([]byte(input))
		assert.ErrorIs(t, err, ErrNotControlEvent, input)
	}

	_, err = Decode([]byte(`{"eventType":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotControlEvent)
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.Len(t, string(a), 36)
	assert.NotEqual(t, a, b)
}
