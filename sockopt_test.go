package rudt

import (
	"testing"
	"time"
)

func TestSockOptDefaults(t *testing.T) {
	o := defaultSockOpts()
	if o.mss != 1500 {
		t.Errorf("default MSS = %d, want 1500", o.mss)
	}
	if o.payloadSize != o.mss-44 {
		t.Errorf("default payloadSize = %d, want %d", o.payloadSize, o.mss-44)
	}
	if o.congestion != "live" {
		t.Errorf("default congestion = %q, want live", o.congestion)
	}
}

func TestSockOptSetGetRoundTrip(t *testing.T) {
	o := defaultSockOpts()
	if err := o.set(OptLatency, 250*time.Millisecond); err != nil {
		t.Fatalf("set LATENCY: %v", err)
	}
	v, err := o.get(OptLatency)
	if err != nil {
		t.Fatalf("get LATENCY: %v", err)
	}
	if v.(time.Duration) != 250*time.Millisecond {
		t.Errorf("LATENCY = %v, want 250ms", v)
	}
}

func TestSockOptRejectsWrongType(t *testing.T) {
	o := defaultSockOpts()
	if err := o.set(OptMSS, "not an int"); err == nil {
		t.Fatal("expected error setting MSS with wrong type")
	}
}

func TestSockOptRejectsUnknownCongestion(t *testing.T) {
	o := defaultSockOpts()
	if err := o.set(OptCongestion, "nonexistent"); err == nil {
		t.Fatal("expected error for unregistered congestion controller name")
	}
}

func TestSockOptIpTTLToSRoundTrip(t *testing.T) {
	o := defaultSockOpts()
	if o.ipTTL != -1 || o.ipToS != -1 {
		t.Fatalf("default ipTTL/ipToS = %d/%d, want -1/-1 (OS default)", o.ipTTL, o.ipToS)
	}
	if err := o.set(OptIpTTL, 32); err != nil {
		t.Fatalf("set IPTTL: %v", err)
	}
	if err := o.set(OptIpToS, 46); err != nil {
		t.Fatalf("set IPTOS: %v", err)
	}
	ttl, _ := o.get(OptIpTTL)
	if ttl.(int) != 32 {
		t.Errorf("IPTTL = %v, want 32", ttl)
	}
	tos, _ := o.get(OptIpToS)
	if tos.(int) != 46 {
		t.Errorf("IPTOS = %v, want 46", tos)
	}
	if err := o.set(OptIpToS, 64); err == nil {
		t.Fatal("expected error for IPTOS out of 0-63 range")
	}
}

func TestSockOptKnownCongestionNames(t *testing.T) {
	o := defaultSockOpts()
	for _, name := range []string{"live", "file", "fast"} {
		if err := o.set(OptCongestion, name); err != nil {
			t.Errorf("set CONGESTION=%s: %v", name, err)
		}
	}
}
