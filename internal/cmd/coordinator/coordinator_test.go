package coordinator

import (
	"flag"
	"io"
	"testing"
)

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("EVCOORD_PORT", "9100")
	t.Setenv("EVCOORD_STORE_BACKEND", "sqlite")
	t.Setenv("EVCOORD_BUSINESS_LOGIC", "order=orders:9001")

	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-bus", "amqp", "-dev"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.StoreBackend != "sqlite" || cfg.BusBackend != "amqp" {
		t.Fatalf("backends = %s, %s", cfg.StoreBackend, cfg.BusBackend)
	}
	if !cfg.Development {
		t.Fatal("expected development logging")
	}
	if cfg.BusinessLogic["order"] != "orders:9001" {
		t.Fatalf("business logic = %v", cfg.BusinessLogic)
	}
}

func TestParseConfigRejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, []string{"-nope"}); err == nil {
		t.Fatal("expected flag error")
	}
}
