package bridge

import "fmt"

// EndpointSettings are the caller-chosen knobs for allocating an endpoint.
type EndpointSettings struct {
	Audio          bool
	Data           bool
	ICEControlling bool
	RelayType      string
	IdleTimeout    int // seconds; 0 means the bridge default
}

// EndpointDescription is the bridge's answer to an allocation: the transport
// and media parameters the client needs to build an SDP offer.
type EndpointDescription struct {
	BundleTransport *Transport `json:"bundle-transport,omitempty"`
	Audio           *Audio     `json:"audio,omitempty"`
	Data            *Data      `json:"data,omitempty"`
}

// Transport carries ICE and DTLS material for a bundled transport.
type Transport struct {
	ICE  *ICE  `json:"ice,omitempty"`
	DTLS *DTLS `json:"dtls,omitempty"`
}

// ICE holds the ICE credentials and candidates of one side.
type ICE struct {
	Ufrag      string      `json:"ufrag"`
	Pwd        string      `json:"pwd"`
	Candidates []Candidate `json:"candidates"`
}

// Candidate is a single ICE candidate.
type Candidate struct {
	Foundation string `json:"foundation"`
	Component  int    `json:"component"`
	Protocol   string `json:"protocol"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	RelAddr    string `json:"rel-addr,omitempty"`
	RelPort    int    `json:"rel-port,omitempty"`
}

// DTLS holds the fingerprint and negotiated role of one side.
type DTLS struct {
	Setup string `json:"setup"`
	Type  string `json:"type"`
	Hash  string `json:"hash"`
}

// Audio describes the audio stream leg of an endpoint.
type Audio struct {
	PayloadType *PayloadType `json:"payload-type,omitempty"`
	SSRCs       []uint32     `json:"ssrcs,omitempty"`
	RTPHdrExts  []RTPHdrExt  `json:"rtp-hdrexts,omitempty"`
}

// PayloadType describes the codec the bridge forwards.
type PayloadType struct {
	ID         int               `json:"id"`
	Name       string            `json:"name"`
	ClockRate  int               `json:"clockrate"`
	Channels   int               `json:"channels,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// RTPHdrExt is a negotiated RTP header extension.
type RTPHdrExt struct {
	ID  int    `json:"id"`
	URI string `json:"uri"`
}

// Data describes the SCTP data channel leg of an endpoint.
type Data struct {
	Port int `json:"port"`
}

// RemoteDescription is the material extracted from a client's SDP answer,
// in the shape the bridge's configure call expects.
type RemoteDescription struct {
	ICE         *ICE     `json:"ice,omitempty"`
	DTLS        *DTLS    `json:"dtls,omitempty"`
	AudioSSRCs  []uint32 `json:"audio-ssrcs,omitempty"`
	DataChannel bool     `json:"data-channel,omitempty"`
}

// APIError is a non-2xx response or transport failure from the bridge.
// The client never retries; callers decide what an upstream failure means.
type APIError struct {
	Status int
	Body   string
	Op     string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("bridge %s: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("bridge %s: status %d: %s", e.Op, e.Status, e.Body)
}
