package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
)

// Resilience operation names used by HTTPLoader.
const (
	OpLoadAll       = "loader.load_all"
	OpLoadOne       = "loader.load_one"
	OpCheckVersions = "loader.check_versions"
	OpPing          = "loader.ping"
)

// maxResponseBytes bounds a single upstream response body.
const maxResponseBytes = 32 << 20

// HTTPConfig configures an HTTPLoader.
type HTTPConfig struct {
	// BaseURL is the rule registry root, e.g. "https://rules.internal".
	BaseURL string

	// Client performs requests.
	// Default: &http.Client{Timeout: 30 * time.Second}
	Client *http.Client

	// SigningKey enables HS256 bearer tokens minted per request.
	// Default: nil (no Authorization header)
	SigningKey []byte

	// Issuer is the iss claim of minted tokens.
	// Default: "ruleops"
	Issuer string

	// Audience is the aud claim of minted tokens.
	Audience string

	// TokenTTL is the lifetime of minted tokens.
	// Default: 5m
	TokenTTL time.Duration

	// Resilience protects every request.
	// Default: a Service with default retry and breaker settings
	Resilience *resilience.Service

	// Logger receives request diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// HTTPLoader loads rules from a remote registry over HTTP.
//
// Endpoints, relative to BaseURL:
//
//	GET  /v1/projects/{project}/rules  -> {"rules": [rule...]}
//	GET  /v1/rules/{id}                -> rule
//	POST /v1/rules/versions            {"versions": {id: version}} -> {"outdated": {id: bool}}
//	GET  /v1/health                    -> any 2xx
//
// where rule is {"id", "version", "tags", "last_modified", "content"}.
type HTTPLoader struct {
	cfg  HTTPConfig
	base *url.URL
}

// NewHTTPLoader creates an HTTPLoader.
func NewHTTPLoader(cfg HTTPConfig) (*HTTPLoader, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("loader: parse base URL: %w", err)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "ruleops"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if cfg.Resilience == nil {
		cfg.Resilience = resilience.NewService(resilience.ServiceConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	return &HTTPLoader{cfg: cfg, base: base}, nil
}

type wireRule struct {
	ID           string          `json:"id"`
	Version      string          `json:"version"`
	Tags         []string        `json:"tags,omitempty"`
	LastModified time.Time       `json:"last_modified"`
	Content      json.RawMessage `json:"content"`
}

type wireRuleList struct {
	Rules []wireRule `json:"rules"`
}

type wireVersionsRequest struct {
	Versions map[string]string `json:"versions"`
}

type wireVersionsResponse struct {
	Outdated map[string]bool `json:"outdated"`
}

// entry converts the wire form. A JSON string content is unquoted; any other
// JSON value is kept as raw bytes.
func (w wireRule) entry() (cache.Entry, error) {
	content := []byte(w.Content)
	if len(content) > 0 && content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return cache.Entry{}, err
		}
		content = []byte(s)
	}
	return cache.NewEntry(w.ID, w.Version, w.Tags, w.LastModified, content), nil
}

// LoadAll implements Loader.
func (l *HTTPLoader) LoadAll(ctx context.Context, projectID string) (map[string]cache.Entry, error) {
	if projectID == "" {
		return nil, fault.New(fault.KindInvalidInput, OpLoadAll, "", fmt.Errorf("loader: project id is required"))
	}
	path := "/v1/projects/" + url.PathEscape(projectID) + "/rules"

	return resilience.Do(ctx, l.cfg.Resilience, OpLoadAll, func(ctx context.Context) (map[string]cache.Entry, error) {
		var list wireRuleList
		if err := l.do(ctx, OpLoadAll, "", http.MethodGet, path, nil, &list); err != nil {
			return nil, err
		}
		out := make(map[string]cache.Entry, len(list.Rules))
		for _, w := range list.Rules {
			if w.ID == "" {
				continue
			}
			e, err := w.entry()
			if err != nil {
				return nil, fault.New(fault.KindNetwork, OpLoadAll, w.ID, fmt.Errorf("decode content: %w", err))
			}
			out[w.ID] = e
		}
		return out, nil
	})
}

// LoadOne implements Loader.
func (l *HTTPLoader) LoadOne(ctx context.Context, id string) (cache.Entry, error) {
	if err := validateID(id); err != nil {
		return cache.Entry{}, fault.New(fault.KindInvalidInput, OpLoadOne, id, err)
	}
	path := "/v1/rules/" + url.PathEscape(id)

	return resilience.Do(ctx, l.cfg.Resilience, OpLoadOne, func(ctx context.Context) (cache.Entry, error) {
		var w wireRule
		if err := l.do(ctx, OpLoadOne, id, http.MethodGet, path, nil, &w); err != nil {
			return cache.Entry{}, err
		}
		if w.ID == "" {
			w.ID = id
		}
		e, err := w.entry()
		if err != nil {
			return cache.Entry{}, fault.New(fault.KindNetwork, OpLoadOne, id, fmt.Errorf("decode content: %w", err))
		}
		return e, nil
	})
}

// CheckVersions implements Loader.
func (l *HTTPLoader) CheckVersions(ctx context.Context, versions map[string]string) (map[string]bool, error) {
	if len(versions) == 0 {
		return map[string]bool{}, nil
	}
	body, err := json.Marshal(wireVersionsRequest{Versions: versions})
	if err != nil {
		return nil, fault.New(fault.KindInvalidInput, OpCheckVersions, "", err)
	}

	return resilience.Do(ctx, l.cfg.Resilience, OpCheckVersions, func(ctx context.Context) (map[string]bool, error) {
		var resp wireVersionsResponse
		if err := l.do(ctx, OpCheckVersions, "", http.MethodPost, "/v1/rules/versions", body, &resp); err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(versions))
		for id := range versions {
			outdated, ok := resp.Outdated[id]
			out[id] = outdated || !ok
		}
		return out, nil
	})
}

// Ping checks that the registry answers. It is not retried.
func (l *HTTPLoader) Ping(ctx context.Context) error {
	return l.cfg.Resilience.Execute(ctx, OpPing, func(ctx context.Context) error {
		return l.do(ctx, OpPing, "", http.MethodGet, "/v1/health", nil, nil)
	}, resilience.WithoutRetry())
}

func (l *HTTPLoader) do(ctx context.Context, op, ruleID, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.base.String()+path, reader)
	if err != nil {
		return fault.New(fault.KindInvalidInput, op, ruleID, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(l.cfg.SigningKey) > 0 {
		token, err := l.bearer()
		if err != nil {
			return fault.New(fault.KindExecution, op, ruleID, fmt.Errorf("sign token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindNetwork, op, ruleID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	l.cfg.Logger.Debug(ctx, "upstream request",
		observe.F("operation", op),
		observe.F("status", resp.StatusCode),
		observe.F("duration", time.Since(start)),
	)

	if err := statusError(op, ruleID, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	if err := dec.Decode(out); err != nil {
		return fault.New(fault.KindNetwork, op, ruleID, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// bearer mints a short-lived HS256 token.
func (l *HTTPLoader) bearer() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    l.cfg.Issuer,
		Subject:   "ruleops-loader",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(l.cfg.TokenTTL)),
	}
	if l.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{l.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.cfg.SigningKey)
}

// statusError maps a non-2xx response onto the fault taxonomy.
func statusError(op, ruleID string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fault.New(fault.KindRuleNotFound, op, ruleID, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.New(fault.KindRateLimitExceeded, op, ruleID, cause)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return fault.New(fault.KindTimeout, op, ruleID, cause)
	case resp.StatusCode >= 500:
		return fault.New(fault.KindNetwork, op, ruleID, cause)
	default:
		return fault.New(fault.KindInvalidInput, op, ruleID, cause)
	}
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidRuleID, id)
	}
	return nil
}

var _ Loader = (*HTTPLoader)(nil)
