package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestListenerURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		scheme  string
		address string
		want    string
	}{
		"port_only":     {scheme: "http", address: ":8470", want: "http://localhost:8470"},
		"localhost":     {scheme: "http", address: "localhost:8000", want: "http://localhost:8000"},
		"ipv4_any":      {scheme: "ws", address: "0.0.0.0:9000", want: "ws://localhost:9000"},
		"ipv4_loopback": {scheme: "http", address: "127.0.0.1:8470", want: "http://127.0.0.1:8470"},
		"ipv6_any":      {scheme: "grpc", address: "[::]:8471", want: "grpc://localhost:8471"},
		"ipv6_explicit": {scheme: "http", address: "[2001:db8::1]:8470", want: "http://[2001:db8::1]:8470"},
		"no_port":       {scheme: "http", address: "example.com", want: "http://example.com"},
		"empty_address": {scheme: "http", address: "  ", want: "http://localhost"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := listenerURL(tc.scheme, tc.address); got != tc.want {
				t.Fatalf("listenerURL(%q, %q) = %q, want %q", tc.scheme, tc.address, got, tc.want)
			}
		})
	}
}

func TestAdvertisedEndpoints(t *testing.T) {
	got := advertisedEndpoints(":8470", ":8471", true)
	want := []endpoint{
		{Name: "http", URL: "http://localhost:8470"},
		{Name: "viewers", URL: "ws://localhost:8470/ws"},
		{Name: "render", URL: "http://localhost:8470/api/render"},
		{Name: "grpc", URL: "grpcs://localhost:8471"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected endpoints (-want +got):\n%s", diff)
	}
	if got := advertisedEndpoints(":8470", "", false); len(got) != 3 {
		t.Fatalf("expected gRPC to be omitted, got %+v", got)
	}
}
