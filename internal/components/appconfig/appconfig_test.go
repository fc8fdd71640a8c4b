package appconfig_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MahdiBaghbani/davshare-go/internal/components/appconfig"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/store/testutil"
)

func newStore(t *testing.T) *appconfig.Store {
	t.Helper()
	db := testutil.OpenDB(t, &appconfig.Entry{})
	return appconfig.New(db, map[string]map[string]string{
		appconfig.AppDAV: {appconfig.KeyMaximumCalendarsSubscriptions: "30"},
	})
}

func TestGetValueInt_Precedence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if got := s.GetValueInt(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions, 99); got != 30 {
		t.Errorf("expected configured default 30, got %d", got)
	}
	if got := s.GetValueInt(ctx, "dav", appconfig.KeyRateLimitCalendarCreation, 10); got != 10 {
		t.Errorf("expected caller fallback 10, got %d", got)
	}

	if err := s.SetValue(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions, "-1"); err != nil {
		t.Fatal(err)
	}
	if got := s.GetValueInt(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions, 99); got != -1 {
		t.Errorf("expected stored -1, got %d", got)
	}

	// Overwrite goes through the upsert path.
	s.SetValue(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions, "5")
	if got := s.GetValueInt(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions, 99); got != 5 {
		t.Errorf("expected stored 5, got %d", got)
	}

	if err := s.DeleteKey(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions); err != nil {
		t.Fatal(err)
	}
	if got := s.GetValueInt(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions, 99); got != 30 {
		t.Errorf("expected default after delete, got %d", got)
	}
	if err := s.DeleteKey(ctx, "dav", appconfig.KeyMaximumCalendarsSubscriptions); !errors.Is(err, appconfig.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetValueInt_Unparseable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.SetValue(ctx, "dav", "weird", "ten")
	if got := s.GetValueInt(ctx, "dav", "weird", 7); got != 7 {
		t.Errorf("expected fallback for unparseable value, got %d", got)
	}
	if got := s.GetValueString(ctx, "dav", "weird", ""); got != "ten" {
		t.Errorf("expected raw string, got %q", got)
	}
}

func TestKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.SetValue(ctx, "dav", "custom", "1")
	s.SetValue(ctx, "other", "x", "1")

	keys, err := s.Keys(ctx, "dav")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"custom", appconfig.KeyMaximumCalendarsSubscriptions}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}
