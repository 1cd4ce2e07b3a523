package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatDump = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0">
<node index="0" text="" content-desc="" bounds="[0,0][1080,2340]">
  <node index="0" text="" content-desc="Video Call" bounds="[800,100][900,200]" />
  <node index="1" text="" content-desc="Call" bounds="[900,100][1000,200]" />
  <node index="2" text="Attach media" content-desc="" bounds="[0,2200][100,2300]" />
</node>
</hierarchy>UI hierarchy dumped to: /dev/tty`

func TestExtractHierarchy(t *testing.T) {
	xml, ok := extractHierarchy(chatDump)
	require.True(t, ok)
	assert.True(t, len(xml) > 0)
	assert.NotContains(t, xml, "UI hierarchy dumped to")

	_, ok = extractHierarchy("ERROR: null root node returned by UiTestAutomationBridge.")
	assert.False(t, ok)
}

func TestFindElementCenter(t *testing.T) {
	xml, ok := extractHierarchy(chatDump)
	require.True(t, ok)

	pt, err := findElementCenter(xml, "Call")
	require.NoError(t, err)
	assert.Equal(t, point{X: 950, Y: 150}, pt, "exact match wins over earlier partial match")

	pt, err = findElementCenter(xml, "attach")
	require.NoError(t, err)
	assert.Equal(t, point{X: 50, Y: 2250}, pt)

	_, err = findElementCenter(xml, "End Call")
	assert.Error(t, err)
}

func TestBoundsCenterMalformed(t *testing.T) {
	_, err := boundsCenter("[0,0][10]")
	assert.Error(t, err)
}
