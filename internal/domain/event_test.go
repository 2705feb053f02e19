package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvent_HasContent(t *testing.T) {
	require.True(t, Event{Text: "oi"}.HasContent())
	require.True(t, Event{Attachments: []Attachment{{Type: "audio", URL: "https://cdn/a"}}}.HasContent())
	require.False(t, Event{Text: " \n"}.HasContent())
	require.False(t, Event{Attachments: []Attachment{{Type: "image", URL: "https://cdn/p.jpg"}}}.HasContent())
	require.False(t, Event{Attachments: []Attachment{{Type: "audio"}}}.HasContent())
}

func TestParseEvents_KeepsMessageID(t *testing.T) {
	body := []byte(`{"object":"instagram","entry":[{"id":"900","messaging":[
		{"sender":{"id":"1789"},"recipient":{"id":"900"},"message":{"mid":"aWdfZAG1","text":"oi"}},
		{"sender":{"id":"abc"},"message":{"mid":"x","text":"y"}}
	]}]}`)

	evs, dropped, err := ParseEvents(body)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Len(t, evs, 1)
	require.Equal(t, "aWdfZAG1", evs[0].MessageID)
	require.Equal(t, "900", evs[0].AccountID)
}

func TestParseEvents_BadEnvelope(t *testing.T) {
	_, _, err := ParseEvents([]byte(`not-json`))
	require.Error(t, err)
}
