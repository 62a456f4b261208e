// Package bridge talks to the external selective-forwarding media bridge:
// a stateless HTTP/JSON client for its conference and endpoint control
// protocol, the SDP translation between endpoint descriptions and
// offer/answer text, and a health-probed pool of bridge instances.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrIncompleteDescription is returned when the bridge allocates an endpoint
// without the audio transport parameters or ssrcs an offer requires. Callers
// must fail the session rather than produce a partial offer.
var ErrIncompleteDescription = errors.New("bridge returned an incomplete endpoint description")

const defaultRequestTimeout = 10 * time.Second

// Client is a stateless translator for the bridge control protocol.
// It holds no per-conference state and performs no retries.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a Client using the given http.Client, or one with a
// bounded request timeout if nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{httpClient: hc}
}

type conferenceResponse struct {
	ID string `json:"id"`
}

type allocateRequest struct {
	Action          string                 `json:"action"`
	BundleTransport *allocateTransport     `json:"bundle-transport,omitempty"`
	Audio           *allocateAudio         `json:"audio,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	IdleTimeout     int                    `json:"idleTimeout,omitempty"`
}

type allocateTransport struct {
	ICEControlling bool `json:"ice-controlling"`
	ICE            bool `json:"ice"`
	DTLS           bool `json:"dtls"`
}

type allocateAudio struct {
	RelayType []string `json:"relay-type,omitempty"`
}

type configureRequest struct {
	Action          string     `json:"action"`
	BundleTransport *Transport `json:"bundle-transport,omitempty"`
	Audio           *Audio     `json:"audio,omitempty"`
}

// CreateConference provisions a new forwarding context on the bridge at
// baseURL and returns its conference id.
func (c *Client) CreateConference(ctx context.Context, baseURL, apiKey string) (string, error) {
	body, err := c.do(ctx, "create conference", baseURL, apiKey, http.MethodPost, "conferences/", map[string]interface{}{})
	if err != nil {
		return "", err
	}
	var resp conferenceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &APIError{Op: "create conference", Body: "undecodable response: " + err.Error()}
	}
	if resp.ID == "" {
		return "", &APIError{Op: "create conference", Body: "response carried no conference id"}
	}
	return resp.ID, nil
}

// CreateEndpoint allocates a media endpoint in the given conference and
// returns its description. A description without audio transport parameters
// or ssrcs fails with ErrIncompleteDescription.
func (c *Client) CreateEndpoint(ctx context.Context, baseURL, apiKey, conferenceID, endpointID string, settings EndpointSettings) (*EndpointDescription, error) {
	req := allocateRequest{
		Action: "allocate",
		BundleTransport: &allocateTransport{
			ICEControlling: settings.ICEControlling,
			ICE:            true,
			DTLS:           true,
		},
		IdleTimeout: settings.IdleTimeout,
	}
	if settings.Audio {
		req.Audio = &allocateAudio{}
		if settings.RelayType != "" {
			req.Audio.RelayType = []string{settings.RelayType}
		}
	}
	if settings.Data {
		req.Data = map[string]interface{}{}
	}

	body, err := c.do(ctx, "create endpoint", baseURL, apiKey, http.MethodPost,
		"conferences/"+conferenceID+"/"+endpointID, req)
	if err != nil {
		return nil, err
	}

	var desc EndpointDescription
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, &APIError{Op: "create endpoint", Body: "undecodable response: " + err.Error()}
	}
	if settings.Audio {
		if desc.BundleTransport == nil || desc.BundleTransport.ICE == nil || desc.BundleTransport.DTLS == nil {
			return nil, ErrIncompleteDescription
		}
		if desc.Audio == nil || desc.Audio.PayloadType == nil || len(desc.Audio.SSRCs) == 0 {
			return nil, ErrIncompleteDescription
		}
	}
	return &desc, nil
}

// ConfigureEndpoint applies the material parsed from the client's SDP answer
// to the bridge-side endpoint, completing negotiation.
func (c *Client) ConfigureEndpoint(ctx context.Context, baseURL, apiKey, conferenceID, endpointID string, remote *RemoteDescription) error {
	req := configureRequest{
		Action: "configure",
		BundleTransport: &Transport{
			ICE:  remote.ICE,
			DTLS: remote.DTLS,
		},
	}
	if len(remote.AudioSSRCs) > 0 {
		req.Audio = &Audio{SSRCs: remote.AudioSSRCs}
	}
	_, err := c.do(ctx, "configure endpoint", baseURL, apiKey, http.MethodPut,
		"conferences/"+conferenceID+"/"+endpointID, req)
	return err
}

// EndpointState is the bridge's report on an endpoint's liveness.
type EndpointState struct {
	ID            string `json:"id"`
	ICEState      string `json:"iceState"`
	DTLSState     string `json:"dtlsState"`
	ActiveSpeaker bool   `json:"activeSpeaker,omitempty"`
}

// Connected reports whether the endpoint's transport is established.
func (s *EndpointState) Connected() bool {
	return strings.EqualFold(s.ICEState, "connected") && strings.EqualFold(s.DTLSState, "connected")
}

// GetConference lists the endpoints the bridge currently tracks for a
// conference. Used by the reconciliation sweep.
func (c *Client) GetConference(ctx context.Context, baseURL, apiKey, conferenceID string) ([]EndpointState, error) {
	body, err := c.do(ctx, "get conference", baseURL, apiKey, http.MethodGet, "conferences/"+conferenceID, nil)
	if err != nil {
		return nil, err
	}
	var states []EndpointState
	if err := json.Unmarshal(body, &states); err != nil {
		return nil, &APIError{Op: "get conference", Body: "undecodable response: " + err.Error()}
	}
	return states, nil
}

// DeleteEndpoint removes an endpoint from its conference. A 404 from the
// bridge is not an error: the endpoint is gone either way.
func (c *Client) DeleteEndpoint(ctx context.Context, baseURL, apiKey, conferenceID, endpointID string) error {
	_, err := c.do(ctx, "delete endpoint", baseURL, apiKey, http.MethodDelete,
		"conferences/"+conferenceID+"/"+endpointID, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, baseURL, apiKey, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &APIError{Op: op, Body: "encode request: " + err.Error()}
		}
		reqBody = bytes.NewReader(b)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, &APIError{Op: op, Body: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Op: op, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Body: "read response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Op: op, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
