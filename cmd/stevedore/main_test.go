package main

import (
	"context"
	"io"
	"testing"

	"log/slog"

	"github.com/harborhq/stevedore/pkg/config"
)

func TestNewAdvisorRejectsUnknownProvider(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ServerConfig{AdvisorProvider: "oracle"}
	if _, err := newAdvisor(context.Background(), cfg, log); err == nil {
		t.Fatal("expected an unknown advisor provider to be rejected")
	}
}
