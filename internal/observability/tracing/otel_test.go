package tracing

import (
	"context"
	"strings"
	"testing"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("recommendation-api"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.Enabled() {
		t.Error("provider should be disabled without an endpoint")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1.0:  "AlwaysOnSampler",
		2.0:  "AlwaysOnSampler",
		0:    "AlwaysOffSampler",
		0.25: "TraceIDRatioBased",
	}
	for rate, want := range cases {
		if got := Sampler(rate).Description(); !strings.Contains(got, want) {
			t.Errorf("Sampler(%v) = %s, want %s", rate, got, want)
		}
	}
}
