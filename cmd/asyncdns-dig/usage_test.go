package main

import (
	"bytes"
	"flag"
	"strings"
	"testing"
)

func TestUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	mainInit(&out, &errOut)
	flagSet = flag.NewFlagSet("asyncdns-dig", flag.ContinueOnError)
	err := parseCommandLine([]string{"asyncdns-dig"})
	if err != nil {
		t.Fatal("Empty command line should parse", err)
	}

	usage(&out)
	got := out.String()
	for _, want := range []string{consts.DigProgramName, "SYNOPSIS", "OPTIONS", consts.Version} {
		if !strings.Contains(got, want) {
			t.Error("Usage output missing", want)
		}
	}
}

func TestEDNSDefault(t *testing.T) {
	var out, errOut bytes.Buffer
	mainInit(&out, &errOut)
	flagSet = flag.NewFlagSet("asyncdns-dig", flag.ContinueOnError)
	parseCommandLine([]string{"asyncdns-dig"})
	if !cfg.edns {
		t.Error("EDNS0 should be on by default")
	}

	mainInit(&out, &errOut)
	flagSet = flag.NewFlagSet("asyncdns-dig", flag.ContinueOnError)
	parseCommandLine([]string{"asyncdns-dig", "-no-edns"})
	if cfg.edns {
		t.Error("-no-edns should turn EDNS0 off")
	}
}
