package probe

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zrolabs/zrocontrol/internal/ecp"
)

func TestClassificationString(t *testing.T) {
	cases := []struct {
		c    Classification
		want string
	}{
		{Reachable, "reachable"},
		{Unreachable, "unreachable"},
		{CheckFailed, "check_failed"},
	}
	for _, tc := range cases {
		if got := tc.c.String(); got != tc.want {
			t.Errorf("Classification(%d).String() = %q, want %q", tc.c, got, tc.want)
		}
	}
}

func TestResultOK(t *testing.T) {
	if !(Result{Classification: Reachable}).OK() {
		t.Error("Reachable should gate as OK")
	}
	if (Result{Classification: Unreachable}).OK() {
		t.Error("Unreachable must not gate as OK")
	}
	if (Result{Classification: CheckFailed}).OK() {
		t.Error("CheckFailed must gate the same as Unreachable")
	}
}

func TestCheckRejectsInvalidAddress(t *testing.T) {
	pool, err := ecp.NewPool(4, 0, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p := New(pool, zerolog.Nop())

	result := p.Check(context.Background(), "not-an-address")
	if result.Classification != CheckFailed {
		t.Fatalf("expected CheckFailed for invalid address, got %v", result.Classification)
	}
	if result.Err == nil {
		t.Fatal("expected error for invalid address")
	}
}
