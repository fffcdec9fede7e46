package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nhle/pimsync/internal/apperr"
)

// Initiation is the server's answer to a login flow request.
type Initiation struct {
	LoginURL     string
	PollEndpoint string
	PollToken    string
}

// LoginCredentials are the final credentials produced by a completed
// login flow.
type LoginCredentials struct {
	ServerURL   string
	LoginName   string
	AppPassword string
}

// LoginFlowAPI is the server side of the delegated login protocol.
type LoginFlowAPI interface {
	// Initiate requests a new login session.
	Initiate(ctx context.Context, baseURL string) (*Initiation, error)

	// Poll asks whether the user finished logging in. It returns
	// (nil, nil) while the login is still pending.
	Poll(ctx context.Context, endpoint, token string) (*LoginCredentials, error)
}

type initiateResponse struct {
	Poll struct {
		Token    string `json:"token"`
		Endpoint string `json:"endpoint"`
	} `json:"poll"`
	Login string `json:"login"`
}

type pollResponse struct {
	Server      string `json:"server"`
	LoginName   string `json:"loginName"`
	AppPassword string `json:"appPassword"`
}

// LoginFlowClient speaks Nextcloud Login Flow v2 over HTTP.
type LoginFlowClient struct {
	httpClient *http.Client
	userAgent  string
}

var _ LoginFlowAPI = (*LoginFlowClient)(nil)

// NewLoginFlowClient creates a client whose individual requests are
// bounded by requestTimeout. The overall flow timeout is enforced by the
// Coordinator, not here.
func NewLoginFlowClient(requestTimeout time.Duration) *LoginFlowClient {
	return &LoginFlowClient{
		httpClient: &http.Client{Timeout: requestTimeout},
		userAgent:  "pimsync",
	}
}

// Initiate starts a login flow: POST {base}/index.php/login/v2.
func (c *LoginFlowClient) Initiate(ctx context.Context, baseURL string) (*Initiation, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/index.php/login/v2"

	status, body, err := c.post(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apperr.New(apperr.ServiceUnavailable, "auth.login_flow.initiate",
			fmt.Sprintf("unexpected status %d from %s", status, endpoint))
	}

	var resp initiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling login flow response: %w", err)
	}
	if resp.Login == "" || resp.Poll.Endpoint == "" || resp.Poll.Token == "" {
		return nil, apperr.New(apperr.ServiceUnavailable, "auth.login_flow.initiate",
			"server returned an incomplete login flow")
	}

	return &Initiation{
		LoginURL:     resp.Login,
		PollEndpoint: resp.Poll.Endpoint,
		PollToken:    resp.Poll.Token,
	}, nil
}

// Poll checks a login flow: POST {endpoint} with token=... A 404 means the
// user has not finished yet.
func (c *LoginFlowClient) Poll(ctx context.Context, endpoint, token string) (*LoginCredentials, error) {
	form := url.Values{"token": {token}}

	status, body, err := c.post(ctx, endpoint, form)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected status %d polling login flow", status)
	}

	var resp pollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling login flow poll response: %w", err)
	}
	if resp.Server == "" || resp.LoginName == "" || resp.AppPassword == "" {
		return nil, fmt.Errorf("login flow poll returned incomplete credentials")
	}

	return &LoginCredentials{
		ServerURL:   resp.Server,
		LoginName:   resp.LoginName,
		AppPassword: resp.AppPassword,
	}, nil
}

func (c *LoginFlowClient) post(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, apperr.Wrap(apperr.NetworkUnreachable, "auth.login_flow", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
