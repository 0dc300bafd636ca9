package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendonly\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"b=AS:5000\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=sendonly\r\n"

func sections(sdp string) []string {
	return strings.Split(sdp, "m=")[1:]
}

func TestApplyBitrate(t *testing.T) {
	out, err := applyBitrate(testOffer, 1048576)
	require.NoError(t, err)

	parts := sections(out)
	require.Len(t, parts, 2)
	assert.NotContains(t, parts[0], "b=AS")
	assert.Contains(t, parts[1], "b=AS:1048\r\n")
	assert.NotContains(t, parts[1], "b=AS:5000")
	assert.Contains(t, out, "a=rtpmap:96 VP8/90000")
}

func TestApplyBitrate_Disabled(t *testing.T) {
	out, err := applyBitrate(testOffer, 0)
	require.NoError(t, err)
	assert.Equal(t, testOffer, out)
}

func TestApplyBitrate_Invalid(t *testing.T) {
	_, err := applyBitrate("not sdp", 1000000)
	assert.Error(t, err)
}
