// Package probe detects guest agent liveness with bounded TCP polling and
// sends the single correctness request used to measure round-trip latency.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/containerd/log"

	"github.com/LaynePeng/CHSnapstart/internal/config"
)

// Target is the guest agent endpoint.
type Target struct {
	Host string
	Port int
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Budget bounds one polling run. Attempt k (zero based) is made at
// start + k*Interval; no wait follows the last attempt.
type Budget struct {
	MaxAttempts int
	Interval    time.Duration
	DialTimeout time.Duration
}

// BudgetFrom converts a validated configuration budget.
func BudgetFrom(b config.BudgetConfig) Budget {
	return Budget{
		MaxAttempts: b.Attempts,
		Interval:    b.GetInterval(),
		DialTimeout: b.GetDialTimeout(),
	}
}

// Window is the longest a full run of failed attempts can take.
func (b Budget) Window() time.Duration {
	if b.MaxAttempts <= 0 {
		return 0
	}
	return time.Duration(b.MaxAttempts-1)*b.Interval + b.DialTimeout
}

// Result describes a polling run.
type Result struct {
	Ready    bool
	Attempts int
	// Elapsed is measured from the start of Poll to the successful connect,
	// or to the end of the last attempt.
	Elapsed time.Duration
	ReadyAt time.Time
	// Err is set only when ctx ended the run early.
	Err error
}

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober polls a guest endpoint.
type Prober struct {
	Dialer Dialer

	// RequestTimeout bounds Request. Zero means no timeout beyond ctx.
	RequestTimeout time.Duration
}

// New returns a Prober using a plain net.Dialer.
func New(requestTimeout time.Duration) *Prober {
	return &Prober{Dialer: &net.Dialer{}, RequestTimeout: requestTimeout}
}

// Poll attempts a short-timeout connection once per interval until one
// succeeds or the attempt budget is spent. Failed attempts are not errors.
func (p *Prober) Poll(ctx context.Context, target Target, budget Budget) Result {
	addr := target.Addr()
	start := time.Now()
	timer := time.NewTimer(budget.Interval)
	timer.Stop()
	defer timer.Stop()

	for k := 0; k < budget.MaxAttempts; k++ {
		if k > 0 {
			timer.Reset(time.Until(start.Add(time.Duration(k) * budget.Interval)))
			select {
			case <-ctx.Done():
				return Result{Attempts: k, Elapsed: time.Since(start), Err: ctx.Err()}
			case <-timer.C:
			}
		}

		if p.attempt(ctx, addr, budget.DialTimeout) {
			now := time.Now()
			log.G(ctx).WithFields(log.Fields{
				"addr":     addr,
				"attempts": k + 1,
				"elapsed":  now.Sub(start),
			}).Debug("guest agent reachable")
			return Result{Ready: true, Attempts: k + 1, Elapsed: now.Sub(start), ReadyAt: now}
		}
		if ctx.Err() != nil {
			return Result{Attempts: k + 1, Elapsed: time.Since(start), Err: ctx.Err()}
		}
	}

	return Result{Attempts: budget.MaxAttempts, Elapsed: time.Since(start)}
}

func (p *Prober) attempt(ctx context.Context, addr string, timeout time.Duration) bool {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := p.dialer().DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p *Prober) dialer() Dialer {
	if p.Dialer == nil {
		return &net.Dialer{}
	}
	return p.Dialer
}

// AgentStatus is the agent's answer to the correctness request.
type AgentStatus struct {
	Status  string `json:"status"`
	Info    string `json:"info"`
	Runtime string `json:"runtime"`
}

// Request sends one POST with an empty JSON object and decodes the reply.
// The returned duration is the request round trip.
func (p *Prober) Request(ctx context.Context, target Target) (AgentStatus, time.Duration, error) {
	if p.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.RequestTimeout)
		defer cancel()
	}

	transport := &http.Transport{
		DialContext:       p.dialer().DialContext,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	url := "http://" + target.Addr() + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return AgentStatus{}, 0, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return AgentStatus{}, time.Since(start), fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	rtt := time.Since(start)
	if err != nil {
		return AgentStatus{}, rtt, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AgentStatus{}, rtt, fmt.Errorf("agent request: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var status AgentStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return AgentStatus{}, rtt, fmt.Errorf("decode agent response: %w", err)
	}
	return status, rtt, nil
}
