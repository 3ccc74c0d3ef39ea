package main

import (
	"fmt"
	"net"
	"strings"
)

// endpoint is one advertised listener printed at startup.
type endpoint struct {
	Name string
	URL  string
}

// advertisedEndpoints lists the URLs clients should use for the configured
// listeners. An empty gRPC address omits the gRPC entry.
func advertisedEndpoints(httpAddr, grpcAddr string, grpcTLS bool) []endpoint {
	host := normaliseHostPort(httpAddr)
	endpoints := []endpoint{
		{Name: "http", URL: listenerURL("http", httpAddr)},
		{Name: "viewers", URL: listenerURL("ws", httpAddr) + "/ws"},
		{Name: "render", URL: "http://" + host + "/api/render"},
	}
	if strings.TrimSpace(grpcAddr) != "" {
		scheme := "grpc"
		if grpcTLS {
			scheme = "grpcs"
		}
		endpoints = append(endpoints, endpoint{Name: "grpc", URL: listenerURL(scheme, grpcAddr)})
	}
	return endpoints
}

// listenerURL joins scheme with a reachable form of address.
func listenerURL(scheme, address string) string {
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

// normaliseHostPort replaces wildcard or missing hosts with localhost.
func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
