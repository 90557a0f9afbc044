package ecp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// ECP devices answer on a fixed port.
const ecpPort = 8060

// ErrMalformedResponse marks a device reply that could not be parsed.
// Callers drop the current observation and keep prior state.
var ErrMalformedResponse = errors.New("ecp: malformed device response")

// maxResponseBytes bounds reply bodies; icons are the largest payloads.
const maxResponseBytes = 4 << 20

// Client talks the ECP command/query protocol to one device.
type Client struct {
	ip   string
	base string
	http *http.Client
}

// NewClient creates a client for the given device IP. The IP is validated
// up front so it can be embedded in request URLs without escaping.
func NewClient(ip string, timeout time.Duration) (*Client, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", ip, err)
	}
	canonical := addr.String()
	return &Client{
		ip:   canonical,
		base: fmt.Sprintf("http://%s:%d", canonical, ecpPort),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// IP returns the validated device address.
func (c *Client) IP() string { return c.ip }

func (c *Client) get(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("ecp get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("ecp get %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("ecp get %s: read body: %w", path, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ecp post %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ecp post %s: unexpected status %d", path, resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return nil
}

// DeviceInfo queries /query/device-info.
func (c *Client) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	body, _, err := c.get(ctx, "/query/device-info")
	if err != nil {
		return nil, err
	}
	var parsed deviceInfoXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: device-info: %v", ErrMalformedResponse, err)
	}
	info := parsed.toDeviceInfo(c.ip)
	return &info, nil
}

// Apps queries /query/apps and returns installed applications sorted by
// name.
func (c *Client) Apps(ctx context.Context) ([]App, error) {
	body, _, err := c.get(ctx, "/query/apps")
	if err != nil {
		return nil, err
	}
	var parsed appsXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: apps: %v", ErrMalformedResponse, err)
	}
	apps := make([]App, 0, len(parsed.Apps))
	for _, a := range parsed.Apps {
		if a.ID == "" {
			continue
		}
		apps = append(apps, App{
			ID:      a.ID,
			Type:    a.Type,
			Version: a.Version,
			Name:    strings.TrimSpace(a.Name),
		})
	}
	sort.Slice(apps, func(i, j int) bool {
		return strings.ToLower(apps[i].Name) < strings.ToLower(apps[j].Name)
	})
	return apps, nil
}

// ActiveApp queries /query/active-app. A nil App with nil error means the
// device is on the home screen with no application running.
func (c *Client) ActiveApp(ctx context.Context) (*App, error) {
	body, _, err := c.get(ctx, "/query/active-app")
	if err != nil {
		return nil, err
	}
	var parsed activeAppXML
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: active-app: %v", ErrMalformedResponse, err)
	}
	if parsed.App == nil || parsed.App.ID == "" {
		return nil, nil
	}
	return &App{
		ID:   parsed.App.ID,
		Name: strings.TrimSpace(parsed.App.Name),
	}, nil
}

// Keypress sends a one-shot remote key press.
func (c *Client) Keypress(ctx context.Context, key string) error {
	return c.post(ctx, "/keypress/"+key)
}

// Keydown starts holding a remote key.
func (c *Client) Keydown(ctx context.Context, key string) error {
	return c.post(ctx, "/keydown/"+key)
}

// Keyup releases a held remote key.
func (c *Client) Keyup(ctx context.Context, key string) error {
	return c.post(ctx, "/keyup/"+key)
}

// Launch starts the application with the given id.
func (c *Client) Launch(ctx context.Context, appID string) error {
	return c.post(ctx, "/launch/"+appID)
}

// AppIcon fetches the icon for an application. Returns the raw image bytes
// and content type.
func (c *Client) AppIcon(ctx context.Context, appID string) ([]byte, string, error) {
	body, contentType, err := c.get(ctx, "/query/icon/"+appID)
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return body, contentType, nil
}

// DeviceIcon fetches the device's own icon (app id 0).
func (c *Client) DeviceIcon(ctx context.Context) ([]byte, string, error) {
	return c.AppIcon(ctx, "0")
}
