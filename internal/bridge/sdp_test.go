package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAnswer = `v=0
o=- 8448338679655822288 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0 1
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:0
a=ice-ufrag:caUf
a=ice-pwd:caPwdcaPwdcaPwdcaPwd
a=fingerprint:sha-256 0F:1E:2D:3C:4B:5A:69:78:87:96:A5:B4:C3:D2:E1:F0:0F:1E:2D:3C:4B:5A:69:78:87:96:A5:B4:C3:D2:E1:F0
a=setup:active
a=candidate:1467250027 1 udp 2122260223 192.0.2.15 46243 typ host
a=candidate:1853887674 1 udp 1518280447 203.0.113.9 46244 typ srflx raddr 192.0.2.15 rport 46243
a=sendrecv
a=rtcp-mux
a=rtpmap:111 opus/48000/2
a=ssrc:3725421300 cname:client
a=ssrc:3725421300 msid:client client
m=application 9 UDP/DTLS/SCTP webrtc-datachannel
c=IN IP4 0.0.0.0
a=mid:1
a=sctp-port:5000
`

func TestOfferFromEndpoint(t *testing.T) {
	desc := completeDescription()
	offer, err := OfferFromEndpoint("ep-1", &desc)
	require.NoError(t, err)

	for _, want := range []string{
		"m=audio",
		"a=ice-ufrag:ufrag1",
		"a=ice-pwd:pwd1",
		"a=fingerprint:sha-256 AA:BB:CC:DD",
		"a=setup:actpass",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1",
		"a=ssrc:123456 cname:ep-1",
		"a=candidate:1 1 udp 2130706431 198.51.100.7 10000 typ host",
		"a=group:BUNDLE 0 1",
		"m=application",
		"a=sctp-port:5000",
	} {
		assert.Contains(t, offer, want)
	}
}

func TestOfferFromEndpoint_noDataChannel(t *testing.T) {
	desc := completeDescription()
	desc.Data = nil
	offer, err := OfferFromEndpoint("ep-1", &desc)
	require.NoError(t, err)
	assert.NotContains(t, offer, "m=application")
	assert.Contains(t, offer, "a=group:BUNDLE 0\r\n")
}

func TestOfferFromEndpoint_incompleteDescription(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EndpointDescription)
	}{
		{"no transport", func(d *EndpointDescription) { d.BundleTransport = nil }},
		{"no ice", func(d *EndpointDescription) { d.BundleTransport.ICE = nil }},
		{"no dtls", func(d *EndpointDescription) { d.BundleTransport.DTLS = nil }},
		{"no audio", func(d *EndpointDescription) { d.Audio = nil }},
		{"no ssrcs", func(d *EndpointDescription) { d.Audio.SSRCs = nil }},
		{"no payload type", func(d *EndpointDescription) { d.Audio.PayloadType = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := completeDescription()
			tt.mutate(&desc)
			_, err := OfferFromEndpoint("ep-1", &desc)
			assert.ErrorIs(t, err, ErrIncompleteDescription)
		})
	}
}

func TestParseAnswer(t *testing.T) {
	remote, err := ParseAnswer(sampleAnswer)
	require.NoError(t, err)

	assert.Equal(t, "caUf", remote.ICE.Ufrag)
	assert.Equal(t, "caPwdcaPwdcaPwdcaPwd", remote.ICE.Pwd)
	assert.Equal(t, "sha-256", remote.DTLS.Type)
	assert.Equal(t, "active", remote.DTLS.Setup)
	assert.True(t, strings.HasPrefix(remote.DTLS.Hash, "0F:1E"))
	assert.Equal(t, []uint32{3725421300}, remote.AudioSSRCs)
	assert.True(t, remote.DataChannel)

	require.Len(t, remote.ICE.Candidates, 2)
	host := remote.ICE.Candidates[0]
	assert.Equal(t, "1467250027", host.Foundation)
	assert.Equal(t, "udp", host.Protocol)
	assert.Equal(t, "192.0.2.15", host.IP)
	assert.Equal(t, 46243, host.Port)
	assert.Equal(t, "host", host.Type)
	srflx := remote.ICE.Candidates[1]
	assert.Equal(t, "srflx", srflx.Type)
	assert.Equal(t, "192.0.2.15", srflx.RelAddr)
	assert.Equal(t, 46243, srflx.RelPort)
}

func TestParseAnswer_missingCredentials(t *testing.T) {
	answer := strings.ReplaceAll(sampleAnswer, "a=ice-ufrag:caUf\n", "")
	_, err := ParseAnswer(answer)
	assert.ErrorIs(t, err, ErrAnswerNoCredentials)
}

func TestParseAnswer_missingFingerprint(t *testing.T) {
	answer := strings.ReplaceAll(sampleAnswer,
		"a=fingerprint:sha-256 0F:1E:2D:3C:4B:5A:69:78:87:96:A5:B4:C3:D2:E1:F0:0F:1E:2D:3C:4B:5A:69:78:87:96:A5:B4:C3:D2:E1:F0\n", "")
	_, err := ParseAnswer(answer)
	assert.ErrorIs(t, err, ErrAnswerNoFingerprint)
}

func TestParseAnswer_noAudioSection(t *testing.T) {
	_, err := ParseAnswer("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	assert.ErrorIs(t, err, ErrAnswerNoAudio)
}

func TestParseAnswer_offerRoundTrips(t *testing.T) {
	// The offer we generate must itself parse: same attribute grammar.
	desc := completeDescription()
	offer, err := OfferFromEndpoint("ep-1", &desc)
	require.NoError(t, err)

	remote, err := ParseAnswer(offer)
	require.NoError(t, err)
	assert.Equal(t, "ufrag1", remote.ICE.Ufrag)
	assert.Equal(t, []uint32{123456}, remote.AudioSSRCs)
	require.Len(t, remote.ICE.Candidates, 2) // one per m-line, both from the bundle transport
}
