package zabbix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zactuator/zactuator/internal/retry"
)

// Zabbix API error codes with a defined recovery path.
const (
	codeSessionTerminated = -32602 // "Session terminated, re-login, please."
	codeLoginIncorrect    = -32500 // "Login name or password is incorrect."
)

// Config holds connection settings for the Zabbix client.
type Config struct {
	// Host is the Zabbix frontend host, e.g. "zabbix.example" or a
	// full base URL. The client appends /zabbix.
	Host     string
	User     string
	Password string

	// QueryTimeout bounds one query including its internal retries.
	QueryTimeout time.Duration
	MaxRetries   int
	RetryBase    time.Duration
}

// apiClient talks JSON-RPC to api_jsonrpc.php and fetches chart images
// from the web interface. Sessions for both surfaces are cached and
// re-established on rejection.
type apiClient struct {
	baseURL string
	user    string
	pass    string

	timeout time.Duration
	policy  retry.Policy

	http    *http.Client
	webHTTP *http.Client // separate jar for the web session cookie

	mu   sync.Mutex
	auth string // JSON-RPC session token, empty when logged out

	logger zerolog.Logger
}

// New creates a Zabbix client.
func New(cfg Config, logger zerolog.Logger) Client {
	base := cfg.Host
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/") + "/zabbix"

	jar, _ := cookiejar.New(nil)
	return &apiClient{
		baseURL: base,
		user:    cfg.User,
		pass:    cfg.Password,
		timeout: cfg.QueryTimeout,
		policy: retry.Policy{
			Base:        cfg.RetryBase,
			Cap:         cfg.QueryTimeout,
			MaxAttempts: cfg.MaxRetries,
			Jitter:      true,
		},
		http:    &http.Client{Timeout: cfg.QueryTimeout},
		webHTTP: &http.Client{Timeout: cfg.QueryTimeout, Jar: jar},
		logger:  logger.With().Str("component", "zabbix").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	Auth    string `json:"auth,omitempty"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("zabbix api error %d: %s %s", e.Code, e.Message, e.Data)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call runs one JSON-RPC method with retry on transient failures,
// bounded by the query timeout. Auth rejections are permanent after
// one re-login attempt; everything in the error context names the
// method for diagnosability.
func (c *apiClient) call(ctx context.Context, method string, params any, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.policy.Do(ctx, func() error {
		return c.callOnce(ctx, method, params, result)
	})
	if err != nil {
		return fmt.Errorf("zabbix %s: %w", method, err)
	}
	return nil
}

func (c *apiClient) callOnce(ctx context.Context, method string, params any, result any) error {
	auth, err := c.session(ctx)
	if err != nil {
		return err
	}

	raw, rpcErr, err := c.post(ctx, rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		Auth:    auth,
		ID:      1,
	})
	if err != nil {
		return err
	}
	if rpcErr != nil {
		switch rpcErr.Code {
		case codeSessionTerminated:
			// Session expired server-side. Drop the token; the retry
			// logs in again.
			c.dropSession(auth)
			return rpcErr
		case codeLoginIncorrect:
			return retry.Permanent(fmt.Errorf("%w: %s", ErrAuthFailed, rpcErr.Message))
		default:
			// Unknown entity, bad params, and the like: not transient.
			return retry.Permanent(rpcErr)
		}
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return retry.Permanent(fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

// session returns the cached token, logging in when there is none.
func (c *apiClient) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != "" {
		return c.auth, nil
	}

	raw, rpcErr, err := c.post(ctx, rpcRequest{
		JSONRPC: "2.0",
		Method:  "user.login",
		Params:  map[string]string{"user": c.user, "password": c.pass},
		ID:      1,
	})
	if err != nil {
		return "", err
	}
	if rpcErr != nil {
		if rpcErr.Code == codeLoginIncorrect {
			return "", retry.Permanent(fmt.Errorf("%w: %s", ErrAuthFailed, rpcErr.Message))
		}
		return "", rpcErr
	}

	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", retry.Permanent(fmt.Errorf("decode login result: %w", err))
	}
	c.auth = token
	c.logger.Info().Msg("zabbix api session established")
	return token, nil
}

// dropSession clears the cached token if it still matches the one the
// server rejected, so a concurrent re-login is not discarded.
func (c *apiClient) dropSession(rejected string) {
	c.mu.Lock()
	if c.auth == rejected {
		c.auth = ""
	}
	c.mu.Unlock()
}

func (c *apiClient) post(ctx context.Context, reqBody rpcRequest) (json.RawMessage, *rpcError, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api_jsonrpc.php", bytes.NewReader(body))
	if err != nil {
		return nil, nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err // connect errors and timeouts are transient
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, nil, fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, retry.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// --- Typed queries ---

type apiItem struct {
	ItemID    string `json:"itemid"`
	Name      string `json:"name"`
	LastValue string `json:"lastvalue"`
	Hosts     []struct {
		Host string `json:"host"`
	} `json:"hosts"`
}

func (c *apiClient) ItemValues(ctx context.Context, itemIDs []string) ([]Item, error) {
	var raw []apiItem
	err := c.call(ctx, "item.get", map[string]any{
		"itemids":     itemIDs,
		"output":      []string{"itemid", "name", "lastvalue"},
		"selectHosts": []string{"host"},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("items %v: %w", itemIDs, err)
	}

	items := make([]Item, 0, len(raw))
	for _, it := range raw {
		item := Item{ID: it.ItemID, Name: it.Name, LastValue: it.LastValue}
		for _, h := range it.Hosts {
			item.Hosts = append(item.Hosts, h.Host)
		}
		items = append(items, item)
	}
	return items, nil
}

type apiTrigger struct {
	TriggerID   string `json:"triggerid"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	LastChange  string `json:"lastchange"`
	Hosts       []struct {
		Host string `json:"host"`
	} `json:"hosts"`
}

func (c *apiClient) HostTriggers(ctx context.Context, host string, priorities []int) ([]Trigger, error) {
	params := map[string]any{
		"output":            []string{"triggerid", "description", "priority", "lastchange"},
		"selectHosts":       []string{"host"},
		"only_true":         "1",
		"active":            "1",
		"monitored":         "1",
		"expandDescription": "1",
		"filter": map[string]any{
			"value":    1,
			"priority": priorities,
		},
	}
	if host != "" {
		params["host"] = host
	}

	var raw []apiTrigger
	if err := c.call(ctx, "trigger.get", params, &raw); err != nil {
		return nil, fmt.Errorf("triggers for host %q: %w", host, err)
	}

	triggers := make([]Trigger, 0, len(raw))
	for _, tr := range raw {
		t := Trigger{ID: tr.TriggerID, Description: tr.Description}
		if p, err := strconv.Atoi(tr.Priority); err == nil {
			t.Priority = p
		}
		if ts, err := strconv.ParseInt(tr.LastChange, 10, 64); err == nil {
			t.LastChange = time.Unix(ts, 0)
		}
		for _, h := range tr.Hosts {
			t.Hosts = append(t.Hosts, h.Host)
		}
		triggers = append(triggers, t)
	}
	return triggers, nil
}

type apiHistoryPoint struct {
	Clock string `json:"clock"`
	Value string `json:"value"`
}

func (c *apiClient) ItemHistory(ctx context.Context, itemID string, periodHours, limit int) ([]HistoryPoint, error) {
	timeFrom := time.Now().Add(-time.Duration(periodHours) * time.Hour).Unix()

	var raw []apiHistoryPoint
	err := c.call(ctx, "history.get", map[string]any{
		"itemids":   itemID,
		"time_from": timeFrom,
		"limit":     limit,
		"output":    "extend",
		"sortfield": "clock",
		"sortorder": "DESC",
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("history for item %s: %w", itemID, err)
	}

	points := make([]HistoryPoint, 0, len(raw))
	for _, p := range raw {
		point := HistoryPoint{Value: p.Value}
		if ts, err := strconv.ParseInt(p.Clock, 10, 64); err == nil {
			point.Clock = time.Unix(ts, 0)
		}
		points = append(points, point)
	}
	return points, nil
}

func (c *apiClient) ElementInfo(ctx context.Context, source GraphSource, id string) (ElementInfo, error) {
	var (
		method string
		params map[string]any
	)
	switch source {
	case SourceItem:
		method = "item.get"
		params = map[string]any{"itemids": id}
	case SourceGraph:
		method = "graph.get"
		params = map[string]any{"graphids": id}
	default:
		return ElementInfo{}, fmt.Errorf("unknown graph source %q", source)
	}
	params["output"] = []string{"name"}
	params["selectHosts"] = []string{"host"}

	var raw []apiItem
	if err := c.call(ctx, method, params, &raw); err != nil {
		return ElementInfo{}, fmt.Errorf("%s %s: %w", source, id, err)
	}
	if len(raw) == 0 {
		return ElementInfo{}, fmt.Errorf("no %s with id %s", source, id)
	}

	info := ElementInfo{Name: raw[0].Name}
	if len(raw[0].Hosts) > 0 {
		info.Host = raw[0].Hosts[0].Host
	}
	return info, nil
}
