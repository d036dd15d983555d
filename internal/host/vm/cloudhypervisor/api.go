package cloudhypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/LaynePeng/CHSnapstart/internal/failure"
)

// Control API routes used by the negotiator and the benchmark driver.
const (
	RoutePing     = "vmm.ping"
	RoutePause    = "vm.pause"
	RouteResume   = "vm.resume"
	RouteSnapshot = "vm.snapshot"
)

// maxBodyBytes bounds how much of a response body is kept as diagnostic text.
const maxBodyBytes = 4096

// Response is the raw answer to a control request.
type Response struct {
	Status int
	Body   string
}

// OK reports whether the status counts as success.
func (r Response) OK() bool {
	return r.Status == http.StatusOK || r.Status == http.StatusNoContent
}

// VmmPingResponse is the body of GET /api/v1/vmm.ping.
type VmmPingResponse struct {
	BuildVersion string   `json:"build_version"`
	Version      string   `json:"version"`
	Pid          int64    `json:"pid,omitempty"`
	Features     []string `json:"features,omitempty"`
}

type snapshotConfig struct {
	DestinationURL string `json:"destination_url"`
}

// Client issues requests to the cloud-hypervisor REST API on its unix
// control socket. Requests are never retried.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client bound to socketPath. timeout bounds each request.
func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
				DisableKeepAlives: true,
			},
		},
	}
}

// SocketPath returns the control socket the client talks to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Request sends method to /api/v1/<route>. A nil body sends no payload,
// anything else is JSON encoded. A transport error or a status other than
// 200/204 is returned as a control channel failure carrying the body.
func (c *Client) Request(ctx context.Context, method, route string, body any) (Response, error) {
	op := method + " " + route

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("marshal %s body: %w", route, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost/api/v1/"+route, payload)
	if err != nil {
		return Response{}, fmt.Errorf("build %s request: %w", route, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, failure.New(failure.ErrControlChannel, op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	out := Response{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	if !out.OK() {
		return out, failure.Newf(failure.ErrControlChannel, op, "HTTP %d: %s", out.Status, out.Body)
	}
	return out, nil
}

// Ping checks that the VMM answers on its control socket.
func (c *Client) Ping(ctx context.Context) (VmmPingResponse, error) {
	resp, err := c.Request(ctx, http.MethodGet, RoutePing, nil)
	if err != nil {
		return VmmPingResponse{}, err
	}
	var ping VmmPingResponse
	if resp.Body != "" {
		if err := json.Unmarshal([]byte(resp.Body), &ping); err != nil {
			return VmmPingResponse{}, fmt.Errorf("decode %s response: %w", RoutePing, err)
		}
	}
	return ping, nil
}

// Pause moves a running VM to paused.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodPut, RoutePause, nil)
	return err
}

// Resume moves a paused VM back to running.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodPut, RouteResume, nil)
	return err
}

// Snapshot writes the state of a paused VM to dir. The VM stays paused.
func (c *Client) Snapshot(ctx context.Context, dir string) error {
	_, err := c.Request(ctx, http.MethodPut, RouteSnapshot, snapshotConfig{DestinationURL: fileURL(dir)})
	return err
}

func fileURL(dir string) string {
	return "file://" + dir
}
