// Package pihole is a Pi-hole v6 REST API client. It covers the three
// endpoints the presence bridge needs: session authentication, DHCP
// leases, and the network device table.
package pihole

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/pihole-presence/internal/config"
	"github.com/nugget/pihole-presence/internal/httpkit"
)

// devicesPath requests up to 999 devices with up to 24 addresses each,
// matching what the Pi-hole web UI asks for.
const devicesPath = "/api/network/devices?max_devices=999&max_addresses=24"

// Lease is a DHCP lease record: an IP-to-hardware-address binding with
// an expiry time, as returned by GET /api/dhcp/leases.
type Lease struct {
	Expires  int64  `json:"expires"` // Unix timestamp; 0 means infinite
	Name     string `json:"name"`    // client-reported hostname, "*" if unknown
	HWAddr   string `json:"hwaddr"`
	IP       string `json:"ip"`
	ClientID string `json:"clientid"`
}

// DeviceAddr is one known address of a network device, with the DNS
// name FTL resolved for it and the last activity seen from it.
type DeviceAddr struct {
	IP       string `json:"ip"`
	Name     string `json:"name"`
	LastSeen int64  `json:"lastSeen"` // Unix timestamp
}

// Device is a device-activity record from GET /api/network/devices,
// keyed by hardware address.
type Device struct {
	ID         int64        `json:"id"`
	HWAddr     string       `json:"hwaddr"`
	Interface  string       `json:"interface"`
	FirstSeen  int64        `json:"firstSeen"` // Unix timestamp
	LastQuery  int64        `json:"lastQuery"` // Unix timestamp
	NumQueries int64        `json:"numQueries"`
	MACVendor  string       `json:"macVendor"`
	IPs        []DeviceAddr `json:"ips"`
}

// Client is an authenticated Pi-hole v6 API client. It obtains a
// session token (SID) from POST /api/auth on demand and re-authenticates
// exactly once when a request comes back 401.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.Mutex
	sid string
}

// NewClient creates a Pi-hole API client from the appliance config.
// The URL is normalized (see [NormalizeBaseURL]); authentication is
// deferred until the first request.
func NewClient(cfg config.PiholeConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(time.Duration(cfg.TimeoutSec) * time.Second),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	}
	if cfg.TLSInsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &Client{
		baseURL:    NormalizeBaseURL(cfg.URL),
		password:   cfg.Password,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// NormalizeBaseURL canonicalizes a user-supplied appliance address.
// Bare hosts get an http:// scheme, trailing slashes are stripped, and
// an existing http(s) scheme is preserved. Matches what users paste
// from their Pi-hole admin page.
func NormalizeBaseURL(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

// BaseURL returns the normalized appliance URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Authenticate posts the password to /api/auth and caches the returned
// session ID. Called automatically by request methods on a 401; exposed
// for startup credential checks.
func (c *Client) Authenticate(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"password": c.password})
	if err != nil {
		return fmt.Errorf("marshal auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request /api/auth: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("pi-hole auth error %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Session struct {
			Valid    bool   `json:"valid"`
			SID      string `json:"sid"`
			Validity int    `json:"validity"`
		} `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}

	if !envelope.Session.Valid || envelope.Session.SID == "" {
		return fmt.Errorf("pi-hole rejected password")
	}

	c.setSID(envelope.Session.SID)
	c.logger.Debug("pi-hole session established",
		"validity_sec", envelope.Session.Validity,
	)
	return nil
}

// GetLeases retrieves the current DHCP lease table.
func (c *Client) GetLeases(ctx context.Context) ([]Lease, error) {
	var envelope struct {
		Leases []Lease `json:"leases"`
	}
	if err := c.getJSON(ctx, "/api/dhcp/leases", &envelope); err != nil {
		return nil, err
	}
	return envelope.Leases, nil
}

// GetDevices retrieves the network device-activity table.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var envelope struct {
		Devices []Device `json:"devices"`
	}
	if err := c.getJSON(ctx, devicesPath, &envelope); err != nil {
		return nil, err
	}
	return envelope.Devices, nil
}

// Ping checks whether the appliance is reachable and the session is
// (or can be made) valid. Used by connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	var envelope struct {
		Session struct {
			Valid bool `json:"valid"`
		} `json:"session"`
	}
	if err := c.getJSON(ctx, "/api/auth", &envelope); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// getJSON performs an authenticated GET and decodes the JSON response
// into out. A 401 triggers exactly one re-authentication followed by
// one retry of the request; a second 401 surfaces as an error. A client
// that has never authenticated takes the same path: the first request
// goes out without a SID, comes back 401, and authentication happens
// as the "retry".
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		httpkit.DrainAndClose(resp.Body, 4096)
		c.logger.Debug("pi-hole session invalid, re-authenticating", "path", path)

		if err := c.Authenticate(ctx); err != nil {
			return fmt.Errorf("re-authenticate: %w", err)
		}

		resp, err = c.get(ctx, path)
		if err != nil {
			return err
		}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("pi-hole API error %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// get issues a single GET with the cached SID attached. The SID travels
// both as the sid header (Pi-hole v6 native) and as a Bearer token;
// FTL accepts either and installations behind auth proxies tend to
// strip one of them.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if sid := c.getSID(); sid != "" {
		req.Header.Set("sid", sid)
		req.Header.Set("Authorization", "Bearer "+sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) setSID(sid string) {
	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()
}

func (c *Client) getSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}
