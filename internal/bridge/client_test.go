package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completeDescription() EndpointDescription {
	return EndpointDescription{
		BundleTransport: &Transport{
			ICE: &ICE{
				Ufrag: "ufrag1",
				Pwd:   "pwd1",
				Candidates: []Candidate{
					{Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431, IP: "198.51.100.7", Port: 10000, Type: "host"},
				},
			},
			DTLS: &DTLS{Setup: "actpass", Type: "sha-256", Hash: "AA:BB:CC:DD"},
		},
		Audio: &Audio{
			PayloadType: &PayloadType{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2,
				Parameters: map[string]string{"minptime": "10", "useinbandfec": "1"}},
			SSRCs: []uint32{123456},
		},
		Data: &Data{Port: 5000},
	}
}

func TestCreateConference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conferences/", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"id": "conf-1"})
	}))
	defer srv.Close()

	c := NewClient(nil)
	id, err := c.CreateConference(context.Background(), srv.URL, "secret")
	require.NoError(t, err)
	assert.Equal(t, "conf-1", id)
}

func TestCreateConference_upstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bridge overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.CreateConference(context.Background(), srv.URL, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Contains(t, apiErr.Body, "bridge overloaded")
}

func TestCreateConference_transportError(t *testing.T) {
	c := NewClient(nil)
	_, err := c.CreateConference(context.Background(), "http://127.0.0.1:1", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Zero(t, apiErr.Status)
}

func TestCreateEndpoint(t *testing.T) {
	var gotBody allocateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conferences/conf-1/ep-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(completeDescription())
	}))
	defer srv.Close()

	c := NewClient(nil)
	desc, err := c.CreateEndpoint(context.Background(), srv.URL, "", "conf-1", "ep-1", EndpointSettings{
		Audio:          true,
		Data:           true,
		ICEControlling: true,
		RelayType:      "ssrc-rewrite",
		IdleTimeout:    90,
	})
	require.NoError(t, err)

	assert.Equal(t, "allocate", gotBody.Action)
	require.NotNil(t, gotBody.BundleTransport)
	assert.True(t, gotBody.BundleTransport.ICEControlling)
	require.NotNil(t, gotBody.Audio)
	assert.Equal(t, []string{"ssrc-rewrite"}, gotBody.Audio.RelayType)
	assert.Equal(t, 90, gotBody.IdleTimeout)

	assert.Equal(t, "ufrag1", desc.BundleTransport.ICE.Ufrag)
	assert.Equal(t, []uint32{123456}, desc.Audio.SSRCs)
}

func TestCreateEndpoint_missingSSRCsIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := completeDescription()
		d.Audio.SSRCs = nil
		json.NewEncoder(w).Encode(d)
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.CreateEndpoint(context.Background(), srv.URL, "", "conf-1", "ep-1", EndpointSettings{Audio: true})
	assert.ErrorIs(t, err, ErrIncompleteDescription)
}

func TestCreateEndpoint_missingTransportIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := completeDescription()
		d.BundleTransport = nil
		json.NewEncoder(w).Encode(d)
	}))
	defer srv.Close()

	c := NewClient(nil)
	_, err := c.CreateEndpoint(context.Background(), srv.URL, "", "conf-1", "ep-1", EndpointSettings{Audio: true})
	assert.ErrorIs(t, err, ErrIncompleteDescription)
}

func TestConfigureEndpoint(t *testing.T) {
	var gotBody configureRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(nil)
	err := c.ConfigureEndpoint(context.Background(), srv.URL, "", "conf-1", "ep-1", &RemoteDescription{
		ICE:        &ICE{Ufrag: "remote-ufrag", Pwd: "remote-pwd"},
		DTLS:       &DTLS{Setup: "active", Type: "sha-256", Hash: "11:22"},
		AudioSSRCs: []uint32{654321},
	})
	require.NoError(t, err)
	assert.Equal(t, "configure", gotBody.Action)
	assert.Equal(t, "remote-ufrag", gotBody.BundleTransport.ICE.Ufrag)
	assert.Equal(t, []uint32{654321}, gotBody.Audio.SSRCs)
}

func TestGetConference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]EndpointState{
			{ID: "ep-1", ICEState: "CONNECTED", DTLSState: "connected"},
			{ID: "ep-2", ICEState: "disconnected", DTLSState: "connected"},
		})
	}))
	defer srv.Close()

	c := NewClient(nil)
	states, err := c.GetConference(context.Background(), srv.URL, "", "conf-1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.True(t, states[0].Connected())
	assert.False(t, states[1].Connected())
}

func TestDeleteEndpoint_notFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(nil)
	assert.NoError(t, c.DeleteEndpoint(context.Background(), srv.URL, "", "conf-1", "gone"))
}
