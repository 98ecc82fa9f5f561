package background

import (
	"errors"
	"testing"

	"pet-health-sync/internal/domain/coordinator"
)

func TestRegister_EmptyExprIsUnsupported(t *testing.T) {
	c := NewCron("", nil)
	if err := c.Register(func() {}); !errors.Is(err, coordinator.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	c.Stop()
}

func TestRegister_InvalidExpr(t *testing.T) {
	c := NewCron("not a cron", nil)
	if err := c.Register(func() {}); !errors.Is(err, ErrInvalidExpr) {
		t.Fatalf("expected ErrInvalidExpr, got %v", err)
	}
}

func TestRegister_StartsAndStops(t *testing.T) {
	c := NewCron("*/15 * * * *", nil)
	if err := c.Register(func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// segundo registro es no-op
	if err := c.Register(func() {}); err != nil {
		t.Fatalf("second register: %v", err)
	}
	c.Stop()
	c.Stop()
}
