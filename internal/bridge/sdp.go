package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Errors surfaced while translating between endpoint descriptions and SDP.
var (
	ErrAnswerNoAudio       = errors.New("sdp answer carries no audio description")
	ErrAnswerNoCredentials = errors.New("sdp answer carries no ice credentials")
	ErrAnswerNoFingerprint = errors.New("sdp answer carries no dtls fingerprint")
)

// OfferFromEndpoint renders the bridge's endpoint description as an SDP offer
// for the client: one audio m-line carrying the bridge's ICE credentials,
// candidates, DTLS fingerprint and ssrcs, plus an application m-line when a
// data channel was allocated.
func OfferFromEndpoint(endpointID string, desc *EndpointDescription) (string, error) {
	if desc.BundleTransport == nil || desc.BundleTransport.ICE == nil || desc.BundleTransport.DTLS == nil {
		return "", ErrIncompleteDescription
	}
	if desc.Audio == nil || desc.Audio.PayloadType == nil || len(desc.Audio.SSRCs) == 0 {
		return "", ErrIncompleteDescription
	}

	ice := desc.BundleTransport.ICE
	dtls := desc.BundleTransport.DTLS

	connAddr := "0.0.0.0"
	mediaPort := 9
	if len(ice.Candidates) > 0 {
		connAddr = ice.Candidates[0].IP
		mediaPort = ice.Candidates[0].Port
	}

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	bundle := "BUNDLE 0"
	if desc.Data != nil {
		bundle += " 1"
	}
	offer.Attributes = append(offer.Attributes,
		sdp.Attribute{Key: "group", Value: bundle},
		sdp.Attribute{Key: "msid-semantic", Value: " WMS *"},
	)

	transportAttrs := func() []sdp.Attribute {
		attrs := []sdp.Attribute{
			{Key: "ice-ufrag", Value: ice.Ufrag},
			{Key: "ice-pwd", Value: ice.Pwd},
			{Key: "fingerprint", Value: dtls.Type + " " + dtls.Hash},
			{Key: "setup", Value: dtls.Setup},
		}
		for _, c := range ice.Candidates {
			attrs = append(attrs, sdp.Attribute{Key: "candidate", Value: formatCandidate(c)})
		}
		return attrs
	}

	pt := desc.Audio.PayloadType
	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: mediaPort},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{strconv.Itoa(pt.ID)},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: connAddr},
		},
	}
	audio.Attributes = append(audio.Attributes, transportAttrs()...)
	audio.Attributes = append(audio.Attributes,
		sdp.Attribute{Key: "mid", Value: "0"},
		sdp.Attribute{Key: "sendrecv"},
		sdp.Attribute{Key: "rtcp-mux"},
		sdp.Attribute{Key: "rtpmap", Value: formatRtpmap(pt)},
	)
	if fmtp := formatFmtp(pt); fmtp != "" {
		audio.Attributes = append(audio.Attributes, sdp.Attribute{Key: "fmtp", Value: fmtp})
	}
	for _, ext := range desc.Audio.RTPHdrExts {
		audio.Attributes = append(audio.Attributes,
			sdp.Attribute{Key: "extmap", Value: fmt.Sprintf("%d %s", ext.ID, ext.URI)})
	}
	for _, ssrc := range desc.Audio.SSRCs {
		audio.Attributes = append(audio.Attributes,
			sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:%s", ssrc, endpointID)},
			sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d msid:%s %s", ssrc, endpointID, endpointID)},
		)
	}
	offer.MediaDescriptions = append(offer.MediaDescriptions, audio)

	if desc.Data != nil {
		data := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "application",
				Port:    sdp.RangedPort{Value: mediaPort},
				Protos:  []string{"UDP", "DTLS", "SCTP"},
				Formats: []string{"webrtc-datachannel"},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: connAddr},
			},
		}
		data.Attributes = append(data.Attributes, transportAttrs()...)
		data.Attributes = append(data.Attributes,
			sdp.Attribute{Key: "mid", Value: "1"},
			sdp.Attribute{Key: "sctp-port", Value: strconv.Itoa(desc.Data.Port)},
		)
		offer.MediaDescriptions = append(offer.MediaDescriptions, data)
	}

	raw, err := offer.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	return string(raw), nil
}

// ParseAnswer extracts the ICE credentials, DTLS fingerprint and role,
// candidates and audio ssrcs from a client's SDP answer, in the form the
// bridge's configure call takes.
func ParseAnswer(answer string) (*RemoteDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return nil, fmt.Errorf("unmarshal answer: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, ErrAnswerNoAudio
	}

	// Transport attributes may sit at session or media level.
	attr := func(key string) (string, bool) {
		if v, ok := audio.Attribute(key); ok {
			return v, true
		}
		return desc.Attribute(key)
	}

	ufrag, okU := attr("ice-ufrag")
	pwd, okP := attr("ice-pwd")
	if !okU || !okP || ufrag == "" || pwd == "" {
		return nil, ErrAnswerNoCredentials
	}

	fingerprint, ok := attr("fingerprint")
	if !ok {
		return nil, ErrAnswerNoFingerprint
	}
	fpParts := strings.SplitN(fingerprint, " ", 2)
	if len(fpParts) != 2 {
		return nil, ErrAnswerNoFingerprint
	}
	setup, _ := attr("setup")
	if setup == "" {
		setup = "active"
	}

	remote := &RemoteDescription{
		ICE:  &ICE{Ufrag: ufrag, Pwd: pwd},
		DTLS: &DTLS{Setup: setup, Type: fpParts[0], Hash: fpParts[1]},
	}

	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key != "candidate" {
				continue
			}
			c, err := parseCandidate(a.Value)
			if err != nil {
				continue // a malformed candidate does not fail the answer
			}
			remote.ICE.Candidates = append(remote.ICE.Candidates, c)
		}
		if m.MediaName.Media == "application" {
			remote.DataChannel = true
		}
	}

	seen := map[uint32]bool{}
	for _, a := range audio.Attributes {
		if a.Key != "ssrc" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) == 0 {
			continue
		}
		ssrc, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil || seen[uint32(ssrc)] {
			continue
		}
		seen[uint32(ssrc)] = true
		remote.AudioSSRCs = append(remote.AudioSSRCs, uint32(ssrc))
	}

	return remote, nil
}

func formatCandidate(c Candidate) string {
	s := fmt.Sprintf("%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" {
		s += fmt.Sprintf(" raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	return s
}

func parseCandidate(value string) (Candidate, error) {
	fields := strings.Fields(value)
	if len(fields) < 8 || fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("malformed candidate %q", value)
	}
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, err
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, err
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, err
	}
	c := Candidate{
		Foundation: strings.TrimPrefix(fields[0], "candidate:"),
		Component:  component,
		Protocol:   strings.ToLower(fields[2]),
		Priority:   uint32(priority),
		IP:         fields[4],
		Port:       port,
		Type:       fields[7],
	}
	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelAddr = fields[i+1]
		case "rport":
			if p, err := strconv.Atoi(fields[i+1]); err == nil {
				c.RelPort = p
			}
		}
	}
	return c, nil
}

func formatRtpmap(pt *PayloadType) string {
	s := fmt.Sprintf("%d %s/%d", pt.ID, pt.Name, pt.ClockRate)
	if pt.Channels > 1 {
		s += "/" + strconv.Itoa(pt.Channels)
	}
	return s
}

func formatFmtp(pt *PayloadType) string {
	if len(pt.Parameters) == 0 {
		return ""
	}
	// Stable order keeps offers reproducible.
	keys := make([]string, 0, len(pt.Parameters))
	for k := range pt.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+pt.Parameters[k])
	}
	return strconv.Itoa(pt.ID) + " " + strings.Join(parts, ";")
}
