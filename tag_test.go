package upnp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagContent(t *testing.T) {
	tests := []struct {
		name  string
		buf   string
		tag   string
		want  string
		found bool
	}{
		{"plain", "<controlURL>/ctl</controlURL>", "controlURL", "/ctl", true},
		{"surrounding text", "xx<a>1</a><controlURL> /ctl \r\n</controlURL>yy", "controlURL", "/ctl", true},
		{"namespace prefix", `<u:NewExternalIPAddress>1.2.3.4</u:NewExternalIPAddress>`, "NewExternalIPAddress", "1.2.3.4", true},
		{"attributes", `<errorCode xmlns="x">714</errorCode>`, "errorCode", "714", true},
		{"self closing", `<NewRemoteHost/>`, "NewRemoteHost", "", true},
		{"empty", `<NewRemoteHost></NewRemoteHost>`, "NewRemoteHost", "", true},
		{"longer name is not a match", "<controlURLs>x</controlURLs>", "controlURL", "", false},
		{"suffix is not a match", "<eventcontrolURL>x</eventcontrolURL>", "controlURL", "", false},
		{"unterminated", "<controlURL>/ctl", "controlURL", "", false},
		{"no opening bracket end", "<controlURL", "controlURL", "", false},
		{"closing only", "</controlURL>", "controlURL", "", false},
		{"absent", "<a>1</a>", "controlURL", "", false},
		{"empty buffer", "", "controlURL", "", false},
		{"bare name in text", "controlURL controlURL>", "controlURL", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tagContent(tt.buf, tt.tag)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCursorWalksSuccessiveTags(t *testing.T) {
	c := newCursor("<serviceType>a</serviceType><serviceType>b</serviceType><serviceType>c")

	v, ok := c.tag("serviceType")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = c.tag("serviceType")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	pos := c.pos
	_, ok = c.tag("serviceType")
	assert.False(t, ok)
	assert.Equal(t, pos, c.pos, "a failed search must not move the cursor")
}

func TestCursorUpTo(t *testing.T) {
	c := newCursor("LOCATION: http://x\r\nST: y\r\n")
	assert.True(t, c.skipPast("LOCATION:"))
	v, ok := c.upTo("\r\n")
	assert.True(t, ok)
	assert.Equal(t, " http://x", v)
	assert.Equal(t, "ST: y\r\n", c.rest())

	_, ok = c.upTo("missing")
	assert.False(t, ok)
	assert.False(t, c.skipPast("missing"))
}
