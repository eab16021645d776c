package services_test

import (
	"context"
	"testing"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithRunID(ctx, "run-1")
	ctx = services.WithStage(ctx, "GenerateScript")
	ctx = services.WithRowIndex(ctx, 7)
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.RunIDFromContext(ctx); !ok || id != "run-1" {
		t.Fatalf("unexpected run id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "GenerateScript" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if row, ok := services.RowIndexFromContext(ctx); !ok || row != 7 {
		t.Fatalf("unexpected row: %v %v", row, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithRunID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
	if _, ok := services.RunIDFromContext(ctx); ok {
		t.Fatal("expected no run id value")
	}
	if _, ok := services.RowIndexFromContext(ctx); ok {
		t.Fatal("expected no row index value")
	}
}
