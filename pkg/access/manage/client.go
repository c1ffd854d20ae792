package manage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
)

const metadataPath = "/manage/api/internal/metadata/{type}/{id}"

// Conf holds the connection settings for the Manage API
type Conf struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// Client looks up catalog entries in Manage over HTTP
type Client struct {
	client  *resty.Client
	lookups *prometheus.CounterVec
}

// Option configures a Client
type Option func(*Client)

// WithLookupCounter counts lookups by result ("ok", "not_found", "error")
func WithLookupCounter(counter *prometheus.CounterVec) Option {
	return func(c *Client) {
		c.lookups = counter
	}
}

// NewClient creates a Manage client
func NewClient(conf Conf, opts ...Option) *Client {
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		client: resty.New().
			SetBaseURL(conf.URL).
			SetBasicAuth(conf.User, conf.Password).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// metadata is the Manage representation of a catalog entry
type metadata struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		EntityID       string         `json:"entityid"`
		MetaDataFields map[string]any `json:"metaDataFields"`
	} `json:"data"`
}

// ProviderByID fetches a single catalog entry and flattens its metadata fields
func (c *Client) ProviderByID(ctx context.Context, entityType, id string) (Provider, error) {
	var result metadata
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"type": entityType, "id": id}).
		SetResult(&result).
		Get(metadataPath)
	if err != nil {
		c.observe("error")
		return nil, fmt.Errorf("manage request: %w", err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		c.observe("not_found")
		return nil, ErrNotFound
	}
	if resp.IsError() {
		c.observe("error")
		return nil, fmt.Errorf("manage responded with status %d", resp.StatusCode())
	}

	c.observe("ok")
	return flatten(result, entityType), nil
}

func (c *Client) observe(result string) {
	if c.lookups != nil {
		c.lookups.WithLabelValues(result).Inc()
	}
}

func flatten(m metadata, entityType string) Provider {
	provider := make(Provider, len(m.Data.MetaDataFields)+3)
	for k, v := range m.Data.MetaDataFields {
		provider[k] = v
	}
	provider["id"] = m.ID
	provider["entityid"] = m.Data.EntityID
	provider["type"] = m.Type
	if m.Type == "" {
		provider["type"] = entityType
	}
	return provider
}
