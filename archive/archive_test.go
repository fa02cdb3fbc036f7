package archive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeromeintilalim/VoteChain/common"
)

func testGateway(srv *httptest.Server) *PinningGateway {
	return NewGateway(&common.GatewayConfig{
		BaseURL:    srv.URL,
		GatewayURL: srv.URL,
		APIKey:     "test-key",
		APISecret:  "test-secret",
	})
}

func TestUpload(t *testing.T) {
	var receivedBody map[string]interface{}
	var receivedKey, receivedSecret string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/pinning/pinJSONToIPFS", r.URL.Path)

		receivedKey = r.Header.Get("pinata_api_key")
		receivedSecret = r.Header.Get("pinata_secret_api_key")
		json.NewDecoder(r.Body).Decode(&receivedBody)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"IpfsHash": "QmTestHash",
		})
	}))
	defer srv.Close()

	hash, err := testGateway(srv).Upload(context.Background(), map[string]interface{}{
		"join_code":   "AB12CD",
		"merkle_root": "deadbeef",
	})
	require.Nil(t, err)
	assert.Equal(t, "QmTestHash", hash)

	assert.Equal(t, "test-key", receivedKey)
	assert.Equal(t, "test-secret", receivedSecret)

	content, ok := receivedBody["pinataContent"].(map[string]interface{})
	require.True(t, ok, "payload must be wrapped as pinned content")
	assert.Equal(t, "AB12CD", content["join_code"])
}

func TestUploadFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testGateway(srv).Upload(context.Background(), map[string]interface{}{})
	assert.Equal(t, ErrUploadFailed, err)
}

func TestUploadMissingContentHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	defer srv.Close()

	_, err := testGateway(srv).Upload(context.Background(), map[string]interface{}{})
	assert.Equal(t, ErrUploadFailed, err)
}

func TestUploadUnreachableEndpoint(t *testing.T) {
	gw := NewGateway(&common.GatewayConfig{
		BaseURL:    "http://127.0.0.1:1",
		GatewayURL: "http://127.0.0.1:1",
	})

	_, err := gw.Upload(context.Background(), map[string]interface{}{})
	assert.Equal(t, ErrUploadFailed, err)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ipfs/QmTestHash", r.URL.Path)
		w.Write([]byte(`{"merkle_root":"deadbeef"}`))
	}))
	defer srv.Close()

	content, err := testGateway(srv).Fetch(context.Background(), "QmTestHash")
	require.Nil(t, err)
	assert.Equal(t, `{"merkle_root":"deadbeef"}`, string(content))
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testGateway(srv).Fetch(context.Background(), "QmMissing")
	assert.Equal(t, ErrNotFound, err)
}
