package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestElementListRendering(t *testing.T) {
	list := ElementList{
		{Index: 0, Type: "Button", Text: "Login", Attributes: map[string]string{"resource-id": "com.app:id/login", "class": "android.widget.Button"}},
		{Index: 1, Type: "EditText", Attributes: map[string]string{"content-desc": "Email"}},
	}

	got := list.InteractiveElementsString([]string{"resource-id", "content-desc"})
	assert.Equal(t, "[0]<Button resource-id='com.app:id/login'>Login />\n[1]<EditText content-desc='Email'> />", got)
	assert.Equal(t, 2, list.Len())
}

func TestSnapshotHistory(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := &Snapshot{
		Elements:    ElementList{{Index: 3, Type: "TextView", Text: "Hi"}},
		Screenshot:  "AAAA",
		PixelsAbove: 10,
		PixelsBelow: 20,
		CapturedAt:  at,
	}
	h := snap.History(nil)
	assert.Equal(t, 1, h.ElementCount)
	assert.Equal(t, "[3]<TextView>Hi />", h.Elements)
	assert.Equal(t, 10, h.PixelsAbove)
	assert.Equal(t, 20, h.PixelsBelow)
	assert.Equal(t, "AAAA", h.Screenshot)
	assert.Equal(t, at, h.CapturedAt)
}

func TestElementCountNilSafe(t *testing.T) {
	var s *Snapshot
	assert.Equal(t, 0, s.ElementCount())
	assert.Equal(t, 0, (&Snapshot{}).ElementCount())
}
