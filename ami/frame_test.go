package ami

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_SingleFrame(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("Event: Newstate\r\nChannel: SIP/100-0001\r\nChannelStateDesc: Ringing\r\n\r\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, "Newstate", frames[0].Get("Event"))
	assert.Equal(t, "SIP/100-0001", frames[0].Get("Channel"))
	assert.Equal(t, "Ringing", frames[0].Get("ChannelStateDesc"))
	assert.Equal(t, 0, d.Pending())
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	d := NewDecoder()

	frames := d.Feed([]byte("Event: DialBegin\r\nDestCaller"))
	assert.Empty(t, frames)
	assert.Positive(t, d.Pending())

	frames = d.Feed([]byte("IDNum: 100\r\n\r\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "DialBegin", frames[0].Get("Event"))
	assert.Equal(t, "100", frames[0].Get("DestCallerIDNum"))
}

func TestDecoder_MultipleFramesInOneRead(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("Event: Newchannel\r\nUniqueid: 1.1\r\n\r\nEvent: Newstate\r\nUniqueid: 1.2\r\n\r\n"))

	require.Len(t, frames, 2)
	assert.Equal(t, "Newchannel", frames[0].Get("Event"))
	assert.Equal(t, "Newstate", frames[1].Get("Event"))
}

func TestDecoder_ValueContainsColon(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("Event: Newchannel\r\nTimestamp: 12:30:45\r\n\r\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, "12:30:45", frames[0].Get("Timestamp"))
}

func TestDecoder_SkipsLinesWithoutSeparator(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("Asterisk Call Manager/5.0.2\r\nResponse: Success\r\nMessage: Authentication accepted\r\n\r\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, "Success", frames[0].Get("Response"))
	assert.Equal(t, "Authentication accepted", frames[0].Get("Message"))
	assert.Empty(t, frames[0].Get("Asterisk Call Manager/5.0.2"))
}

func TestDecoder_TrimsWhitespace(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("Event:   Newstate  \r\n  CallerIDNum :5551234567\r\n\r\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, "Newstate", frames[0].Get("Event"))
	assert.Equal(t, "5551234567", frames[0].Get("CallerIDNum"))
}

func TestDecoder_DropsEmptyFrames(t *testing.T) {
	d := NewDecoder()
	frames := d.Feed([]byte("no separator here\r\n\r\nEvent: Dial\r\n\r\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, "Dial", frames[0].Get("Event"))
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("Event: Newstate\r\nChan"))
	require.Positive(t, d.Pending())

	d.Reset()
	assert.Equal(t, 0, d.Pending())

	// a fresh frame after reset decodes cleanly
	frames := d.Feed([]byte("Event: Dial\r\n\r\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "Dial", frames[0].Get("Event"))
}

func TestAsEvent(t *testing.T) {
	e, ok := AsEvent(Frame{"Event": "DialState", "DialStatus": "RINGING"})
	require.True(t, ok)
	assert.Equal(t, "DialState", e.Name)
	assert.Equal(t, "RINGING", e.Fields.Get("DialStatus"))

	_, ok = AsEvent(Frame{"Response": "Success"})
	assert.False(t, ok)
}

func TestEvent_CallID(t *testing.T) {
	e := Event{Name: EventNewstate, Fields: Frame{"Linkedid": "li-1", "Uniqueid": "uq-1"}}
	assert.Equal(t, "li-1", e.CallID())

	e = Event{Name: EventNewstate, Fields: Frame{"Uniqueid": "uq-1"}}
	assert.Equal(t, "uq-1", e.CallID())

	e = Event{Name: EventNewstate, Fields: Frame{}}
	assert.Empty(t, e.CallID())
}
