package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/ag-db-move/internal/replica"
)

// EndpointHealth is the connectivity of one end of the move.
type EndpointHealth struct {
	Name      string            `json:"name"`
	Connected bool              `json:"connected"`
	Replicas  []string          `json:"replicas"`
	Failures  map[string]string `json:"failures,omitempty"`
	LatencyMs int64             `json:"latency_ms"`
	Error     string            `json:"error,omitempty"`
}

// HealthCheckResult reports whether every replica of both ends answers.
type HealthCheckResult struct {
	Timestamp   string         `json:"timestamp"`
	Source      EndpointHealth `json:"source"`
	Destination EndpointHealth `json:"destination"`
	Healthy     bool           `json:"healthy"`
}

// HealthCheck pings every replica of the source and destination.
// Both ends are checked in parallel, each with its own timeout, so a slow
// source cannot exhaust the destination's budget.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{Timestamp: time.Now().Format(time.RFC3339)}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.Source = checkEndpoint(ctx, o.sourceLabel(), o.source, checkTimeout)
	}()
	go func() {
		defer wg.Done()
		result.Destination = checkEndpoint(ctx, o.destinationLabel(), o.destination, checkTimeout)
	}()
	wg.Wait()

	result.Healthy = result.Source.Connected && result.Destination.Connected
	return result, nil
}

func checkEndpoint(ctx context.Context, name string, e Endpoint, timeout time.Duration) EndpointHealth {
	h := EndpointHealth{Name: name, Replicas: e.ReplicaNames()}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.Ping(ctx)
	h.LatencyMs = time.Since(start).Milliseconds()
	if err == nil {
		h.Connected = true
		return h
	}

	h.Error = err.Error()
	var replicaErr *replica.Error
	if errors.As(err, &replicaErr) {
		h.Failures = make(map[string]string)
		for _, r := range replicaErr.Failed() {
			h.Failures[r.Replica] = r.Err.Error()
		}
	}
	return h
}

// RenderHealth formats a health check for the terminal.
func RenderHealth(h *HealthCheckResult) string {
	overall := "healthy"
	if !h.Healthy {
		overall = "unhealthy"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		styleTitle.Render("Health check"),
		renderEndpointHealth("Source", h.Source),
		renderEndpointHealth("Destination", h.Destination),
		"",
		field("Overall", statusText(overall)),
	)
}

func renderEndpointHealth(title string, e EndpointHealth) string {
	state := "healthy"
	if !e.Connected {
		state = "unhealthy"
	}
	lines := []string{
		styleHeader.Render(title),
		field("Database", e.Name),
		field("Status", statusText(state)),
		field("Latency", fmt.Sprintf("%dms", e.LatencyMs)),
	}
	for _, name := range e.Replicas {
		mark := styleSuccess.Render("ok")
		if msg, failed := e.Failures[name]; failed {
			mark = styleError.Render(msg)
		} else if !e.Connected && e.Failures == nil {
			mark = styleMuted.Render("unknown")
		}
		lines = append(lines, field("  "+name, mark))
	}
	if e.Error != "" && e.Failures == nil {
		lines = append(lines, field("Error", styleError.Render(e.Error)))
	}
	return styleBox.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// ShowHealth runs a health check and writes it to the orchestrator's output.
func (o *Orchestrator) ShowHealth(ctx context.Context, asJSON bool) (*HealthCheckResult, error) {
	h, err := o.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	return h, WriteResult(o.out, asJSON, h, func() string { return RenderHealth(h) })
}
