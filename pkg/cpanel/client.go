package cpanel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
)

const (
	APIPath = "/json-api/cpanel"

	headerAuthorization = "Authorization"
	authScheme          = "cpanel" //#nosec G101
	apiVersion          = "2"
	moduleZoneEdit      = "ZoneEdit"
	maxBodyBytes        = 4 << 20
)

// Client talks to the cPanel API2 ZoneEdit module of a single zone.
type Client struct {
	baseURL  string
	username string
	token    string
	domain   string
	client   *http.Client
	log      *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //#nosec G402
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		token:    cfg.Token,
		domain:   cfg.Domain,
		client: &http.Client{
			Timeout:   time.Duration(cfg.Timeout) * time.Second,
			Transport: transport,
		},
		log: log.Named("cpanel"),
	}
}

// Domain returns the zone this client manages.
func (c *Client) Domain() string {
	return c.domain
}

// ListTXT returns the TXT records of the zone in the order cPanel reports
// them.
func (c *Client) ListTXT(ctx context.Context) ([]Record, error) {
	params := url.Values{}
	params.Set("domain", c.domain)
	params.Set("type", RecordTypeTXT)

	res, err := c.call(ctx, FuncFetchZoneRecords, params)
	if err != nil {
		return nil, err
	}

	var all []Record
	if err := json.Unmarshal(res, &all); err != nil {
		return nil, &APIError{Func: FuncFetchZoneRecords, Message: "malformed record list: " + err.Error()}
	}

	records := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Type == RecordTypeTXT {
			records = append(records, r)
		}
	}

	c.log.Debug("fetched zone records", zap.Int("txt", len(records)), zap.Int("total", len(all)))
	return records, nil
}

// AddTXT creates a TXT record. name is relative to the zone.
func (c *Client) AddTXT(ctx context.Context, name, value string, ttl int) error {
	params := url.Values{}
	params.Set("domain", c.domain)
	params.Set("name", name)
	params.Set("type", RecordTypeTXT)
	params.Set("txtdata", value)
	params.Set("ttl", strconv.Itoa(ttl))

	res, err := c.call(ctx, FuncAddZoneRecord, params)
	if err != nil {
		return err
	}
	return checkStatus(FuncAddZoneRecord, res)
}

// RemoveLine deletes the zone record at line.
func (c *Client) RemoveLine(ctx context.Context, line int) error {
	params := url.Values{}
	params.Set("domain", c.domain)
	params.Set("line", strconv.Itoa(line))

	res, err := c.call(ctx, FuncRemoveZoneRecord, params)
	if err != nil {
		return err
	}
	return checkStatus(FuncRemoveZoneRecord, res)
}

// Query returns the full query string of an API2 ZoneEdit call.
func Query(username, fn string, params url.Values) url.Values {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("cpanel_jsonapi_user", username)
	q.Set("cpanel_jsonapi_apiversion", apiVersion)
	q.Set("cpanel_jsonapi_module", moduleZoneEdit)
	q.Set("cpanel_jsonapi_func", fn)
	return q
}

// AuthHeader returns the Authorization header value for an API token.
func AuthHeader(username, token string) string {
	return authScheme + " " + username + ":" + token
}

func (c *Client) call(ctx context.Context, fn string, params url.Values) (data json.RawMessage, err error) {
	u := c.baseURL + APIPath + "?" + Query(c.username, fn, params).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add(headerAuthorization, AuthHeader(c.username, c.token))

	c.log.Debug("calling api", zap.String("func", fn), zap.String("domain", c.domain))
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cpanel %s request: %w", fn, err)
	}
	defer func() {
		err = errors.Join(err, res.Body.Close())
	}()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		return nil, &APIError{Func: fn, StatusCode: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	}

	env := Envelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &APIError{Func: fn, Message: "malformed response envelope: " + err.Error()}
	}
	if env.Result.Error != "" {
		return nil, &APIError{Func: fn, Message: env.Result.Error}
	}
	if env.Result.Event != nil && env.Result.Event.Result != 1 {
		return nil, &APIError{Func: fn, Message: "event result is not successful"}
	}
	if len(env.Result.Data) == 0 {
		return nil, &APIError{Func: fn, Message: "response envelope has no data"}
	}

	return env.Result.Data, nil
}

func checkStatus(fn string, data json.RawMessage) error {
	var statuses []Status
	if err := json.Unmarshal(data, &statuses); err != nil {
		return &APIError{Func: fn, Message: "malformed status: " + err.Error()}
	}
	for _, s := range statuses {
		if s.Result.Status != 1 {
			return &APIError{Func: fn, Message: s.Result.StatusMsg}
		}
	}
	return nil
}
