package identity

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type (
	// HTTPNameService performs reverse lookups against GET
	// {base}/reverse/{address}.
	HTTPNameService struct {
		base  string
		httpc *http.Client
	}

	reverseLookupResponse struct {
		Name string `json:"name"`
	}
)

func NewHTTPNameService(baseURL string) *HTTPNameService {
	return &HTTPNameService{base: baseURL, httpc: http.DefaultClient}
}

func (n *HTTPNameService) ReverseLookup(ctx context.Context, address string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		n.base+"/reverse/"+url.PathEscape(address), nil)
	if err != nil {
		return "", err
	}

	resp, err := n.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		return "", errors.Errorf("name service returned %d", resp.StatusCode)
	}

	var out reverseLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decode name service response")
	}
	return out.Name, nil
}
