package main

import (
	"bytes"
	"flag"
	"strings"
	"testing"
	"time"
)

func TestUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	mainInit(&out, &errOut)
	flagSet = flag.NewFlagSet("asyncdns-proxy", flag.ContinueOnError)
	err := parseCommandLine([]string{"asyncdns-proxy"})
	if err != nil {
		t.Fatal("Empty command line should parse", err)
	}

	usage(&out)
	got := out.String()
	for _, want := range []string{consts.ProxyProgramName, "SYNOPSIS", "OPTIONS", consts.Version} {
		if !strings.Contains(got, want) {
			t.Error("Usage output missing", want)
		}
	}
}

func TestFlagDefaults(t *testing.T) {
	var out, errOut bytes.Buffer
	mainInit(&out, &errOut)
	flagSet = flag.NewFlagSet("asyncdns-proxy", flag.ContinueOnError)
	parseCommandLine([]string{"asyncdns-proxy"})

	if cfg.resolvConf != "/etc/resolv.conf" {
		t.Error("Default resolv.conf path should be /etc/resolv.conf, not", cfg.resolvConf)
	}
	if cfg.statusInterval != 15*time.Minute {
		t.Error("Default status interval should be 15m, not", cfg.statusInterval)
	}
	if cfg.udp || cfg.tcp {
		t.Error("Transports should default to off so the omission is caught explicitly")
	}
}
