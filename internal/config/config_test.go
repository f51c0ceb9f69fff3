package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validFile() File {
	return File{
		Endpoint: EndpointConfig{Path: "/tmp/carapace.sock", RequestTimeout: 30 * time.Second},
		Advanced: AdvancedConfig{MaxConnections: 10},
	}
}

func TestValidateRequiresEndpointPath(t *testing.T) {
	f := validFile()
	f.Endpoint.Path = ""
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error when endpoint.path is empty")
	}
}

func TestValidateRequiresPositiveTimeout(t *testing.T) {
	f := validFile()
	f.Endpoint.RequestTimeout = 0
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error when request_timeout is not positive")
	}
}

func TestValidateRejectsBadContentFilterRegexp(t *testing.T) {
	f := validFile()
	f.Security.ContentFilterPatterns = []ContentRuleConfig{{Pattern: "(unclosed", Action: "block"}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error for an invalid regular expression")
	}
}

func TestValidateRejectsUnknownContentFilterAction(t *testing.T) {
	f := validFile()
	f.Security.ContentFilterPatterns = []ContentRuleConfig{{Pattern: "foo", Action: "quarantine"}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error for an action other than block or warn")
	}
}

func TestValidateRequiresBinaryForSubprocessChannels(t *testing.T) {
	f := validFile()
	f.Channels = map[string]ChannelConfig{"imsg": {Enabled: true}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error when an enabled imsg channel has no binary")
	}
}

func TestValidateAcceptsSubprocessChannelWithRealBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "imsg-cli")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	f := validFile()
	f.Channels = map[string]ChannelConfig{"imsg": {Enabled: true, Binary: bin}}
	if err := f.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateRequiresTokenFileForNetworkChannels(t *testing.T) {
	f := validFile()
	f.Channels = map[string]ChannelConfig{"discord": {Enabled: true}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error when an enabled discord channel has no token_file")
	}
}

func TestValidateIgnoresDisabledChannels(t *testing.T) {
	f := validFile()
	f.Channels = map[string]ChannelConfig{"imsg": {Enabled: false}}
	if err := f.Validate(); err != nil {
		t.Fatalf("a disabled channel missing resources should not fail validation, got %v", err)
	}
}

func TestValidateRejectsUnknownFilterMode(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "imsg-cli")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	f := validFile()
	f.Channels = map[string]ChannelConfig{
		"imsg": {Enabled: true, Binary: bin, Outbound: FilterPolicy{Mode: "bogus"}},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("expected an error for an unrecognized filter mode")
	}
}
