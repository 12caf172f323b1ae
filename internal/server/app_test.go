package server

import (
	"context"
	"testing"

	"github.com/tfaulkner/listing-crawler/internal/config"
)

func TestBuildWiresMemoryDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	app, err := Build(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}()

	if app.Coordinator() == nil {
		t.Fatal("expected coordinator to be wired")
	}
	if app.Dispatcher() == nil {
		t.Fatal("expected dispatcher to be wired")
	}
	if app.apiServer == nil {
		t.Fatal("expected api server to be wired")
	}
	if app.progressHub == nil {
		t.Fatal("expected progress hub to be wired")
	}
	if app.pgRunStore != nil || app.redisIdentity != nil {
		t.Fatal("memory backend must not open external connections")
	}
}
