package clock

import (
	"context"
	"regexp"
	"testing"
	"time"
)

func TestFingerprintShape(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fp := Fingerprint("OF-100", "012345678905", at, 7)

	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(fp) {
		t.Fatalf("fingerprint %q is not 16 lowercase hex chars", fp)
	}
}

func TestFingerprintDeterministicAndSensitive(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	base := Fingerprint("OF-100", "012345678905", at, 7)
	if again := Fingerprint("OF-100", "012345678905", at, 7); again != base {
		t.Fatalf("fingerprint not deterministic: %q vs %q", base, again)
	}

	variants := []string{
		Fingerprint("OF-101", "012345678905", at, 7),
		Fingerprint("OF-100", "012345678906", at, 7),
		Fingerprint("OF-100", "012345678905", at.Add(time.Second), 7),
		Fingerprint("OF-100", "012345678905", at, 8),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collides with base fingerprint", i)
		}
	}
}

func TestFingerprintUsesUTC(t *testing.T) {
	utc := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cst := utc.In(time.FixedZone("CST", -6*3600))
	if Fingerprint("OF-100", "012345678905", utc, 7) != Fingerprint("OF-100", "012345678905", cst, 7) {
		t.Fatal("same instant in different zones must fingerprint identically")
	}
}

func TestNTPCheckerStatus(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	nc := NewNTPChecker(&Fake{T: t0})

	if s := nc.Status(); s.Healthy || !s.CheckedAt.IsZero() {
		t.Fatalf("initial status should be zero, got %+v", s)
	}

	nc.CheckFunc = func() NTPStatus {
		return NTPStatus{Offset: 20 * time.Millisecond, Healthy: true, CheckedAt: t0}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // run exactly one check
	nc.Run(ctx)

	s := nc.Status()
	if !s.Healthy || s.Offset != 20*time.Millisecond || s.CheckedAt != t0 {
		t.Fatalf("unexpected status after check: %+v", s)
	}
}
