package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const serviceName = "_minidoc._tcp"

var errNoEndpoint = errors.New("no collaboration endpoint found on the local network")

// discoverEndpoint browses mDNS for a collaboration server and returns the
// first one found as a ws:// URL. A TXT record "path=/prefix" is appended to
// the address.
func discoverEndpoint(ctx context.Context, timeout time.Duration, log *slog.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			endpoint, ok := endpointFor(entry)
			if !ok {
				continue
			}
			log.Info("discovered collaboration endpoint", "instance", entry.Instance, "endpoint", endpoint)
			select {
			case found <- endpoint:
				cancel()
			default:
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", serviceName, err)
	}
	<-ctx.Done()

	select {
	case endpoint := <-found:
		return endpoint, nil
	default:
		return "", errNoEndpoint
	}
}

func endpointFor(entry *zeroconf.ServiceEntry) (string, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = "[" + entry.AddrIPv6[0].String() + "]"
	default:
		return "", false
	}
	endpoint := fmt.Sprintf("ws://%s:%d", host, entry.Port)
	for _, txt := range entry.Text {
		if p, ok := strings.CutPrefix(txt, "path="); ok {
			endpoint += "/" + strings.Trim(p, "/")
		}
	}
	return endpoint, true
}
