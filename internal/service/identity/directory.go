package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

type (
	// HTTPDirectory resolves profile batches against a directory service
	// exposing POST {base}/resolve.
	HTTPDirectory struct {
		base  string
		httpc *http.Client
	}

	resolveBatchRequest struct {
		Aliases []string `json:"aliases"`
	}
)

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{base: baseURL, httpc: http.DefaultClient}
}

func (d *HTTPDirectory) ResolveBatch(ctx context.Context, aliases []string) ([]Profile, error) {
	data, err := json.Marshal(resolveBatchRequest{Aliases: aliases})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/resolve", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("directory returned %d", resp.StatusCode)
	}

	var profiles []Profile
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		return nil, errors.Wrap(err, "decode directory response")
	}
	return profiles, nil
}
