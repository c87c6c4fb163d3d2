package main

import (
	"strings"
	"testing"

	"github.com/user/blexchange/config"
	"github.com/user/blexchange/transport"
)

func TestMemoryTransportNeedsDemo(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = config.TransportMemory

	if _, err := openPeripheral(cfg); err == nil || !strings.Contains(err.Error(), "demo") {
		t.Errorf("Expected demo-only error for advertiser, got %v", err)
	}
	if _, err := openCentral(cfg); err == nil || !strings.Contains(err.Error(), "demo") {
		t.Errorf("Expected demo-only error for scanner, got %v", err)
	}
}

func TestOptionsFollowConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Codec = "proto"
	cfg.WriteMode = "with_response"
	cfg.SeedIndex = 42
	cfg.Partner = "central-7"

	copts, err := centralOptions(cfg, nil)
	if err != nil {
		t.Fatalf("centralOptions failed: %v", err)
	}
	if copts.Codec.Name() != "proto" || copts.WriteMode != transport.WithResponse || *copts.SeedIndex != 42 {
		t.Errorf("Unexpected central options: %+v", copts)
	}

	popts, err := peripheralOptions(cfg, nil)
	if err != nil {
		t.Fatalf("peripheralOptions failed: %v", err)
	}
	if popts.Partner != "central-7" || popts.LocalName != cfg.LocalName {
		t.Errorf("Unexpected peripheral options: %+v", popts)
	}
	t.Logf("✅ Options built from config")
}
