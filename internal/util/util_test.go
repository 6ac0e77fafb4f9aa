package util

import (
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
	}

	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if got := formatBytes(tc.in); len(got) != 8 {
			t.Errorf("formatBytes(%v) = %q is not 8 chars", tc.in, got)
		}
	}
}

func TestConnIDStable(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if ConnID(a) != ConnID(a) {
		t.Fatal("ConnID is not deterministic")
	}
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)

	Stats.AddSent(128)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() == "guestlink_bytes_sent_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v < 128 {
				t.Errorf("bytes_sent_total = %v, want >= 128", v)
			}
		}
		if !strings.HasPrefix(mf.GetName(), "guestlink_") {
			t.Errorf("unexpected metric %q", mf.GetName())
		}
	}
	if !found {
		t.Fatal("guestlink_bytes_sent_total not registered")
	}
}
