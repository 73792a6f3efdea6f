package conductor_test

import (
	"testing"
	"time"

	"github.com/xraph/conductor"
)

func TestTimestamp_TruncatesToMicroseconds(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	in := time.Date(2026, 3, 1, 10, 0, 0, 123456789, loc)

	got := conductor.Timestamp(in)
	want := time.Date(2026, 3, 1, 9, 0, 0, 123456000, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC || got.Nanosecond() != 123456000 {
		t.Errorf("Timestamp = %v, want %v", got, want)
	}
}

func TestNewEntity_StoredPrecision(t *testing.T) {
	e := conductor.NewEntity()
	if e.CreatedAt.Nanosecond()%1000 != 0 || !e.CreatedAt.Equal(e.UpdatedAt) {
		t.Errorf("entity = %+v", e)
	}

	e.Touch(time.Date(2026, 3, 1, 9, 0, 0, 999, time.UTC))
	if e.UpdatedAt.Nanosecond() != 0 {
		t.Errorf("Touch kept %dns", e.UpdatedAt.Nanosecond())
	}
}
