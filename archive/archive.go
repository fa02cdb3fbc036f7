package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeromeintilalim/VoteChain/common"
)

// Failure kinds surfaced by the gateway; both are retryable
var (
	ErrUploadFailed = errors.New("archive upload failed")
	ErrNotFound     = errors.New("archived content not found")
)

// Gateway is the content-addressed archive contract the pipeline depends on
type Gateway interface {
	Upload(ctx context.Context, payload interface{}) (string, error)
	Fetch(ctx context.Context, contentHash string) ([]byte, error)
}

// PinningGateway archives content through an IPFS pinning API using an
// explicitly constructed client with injected credentials
type PinningGateway struct {
	client     *http.Client
	baseURL    string
	gatewayURL string
	apiKey     string
	apiSecret  string
}

// NewGateway returns an archive gateway for the given configuration
func NewGateway(cfg *common.GatewayConfig) *PinningGateway {
	return &PinningGateway{
		client: &http.Client{
			Timeout: time.Second * 30,
		},
		baseURL:    cfg.BaseURL,
		gatewayURL: cfg.GatewayURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
	}
}

// Upload pins the given payload and returns its content hash
func (g *PinningGateway) Upload(ctx context.Context, payload interface{}) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"pinataContent": payload,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/pinning/pinJSONToIPFS", g.baseURL), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("pinata_api_key", g.apiKey)
	req.Header.Set("pinata_secret_api_key", g.apiSecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", ErrUploadFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		details, _ := io.ReadAll(resp.Body)
		common.Log.Warningf("archive upload failed with status %d; %s", resp.StatusCode, string(details))
		return "", ErrUploadFailed
	}

	var parsed struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.IpfsHash == "" {
		return "", ErrUploadFailed
	}

	return parsed.IpfsHash, nil
}

// Fetch retrieves previously archived content by its hash
func (g *PinningGateway) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ipfs/%s", g.gatewayURL, contentHash), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, ErrNotFound
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrNotFound
	}

	return io.ReadAll(resp.Body)
}
