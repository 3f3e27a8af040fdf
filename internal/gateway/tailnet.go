// ABOUTME: Tailnet listeners for the gateway when tailscale.enabled is set
// ABOUTME: Agents reach the websocket and REST API over the tailnet, optionally via Funnel

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/2389/agentbus/internal/config"
)

// Tailnet ports. Funnel only serves :443, so HTTPS and Funnel share it.
const (
	tailnetGRPCPort  = ":50051"
	tailnetHTTPPort  = ":80"
	tailnetHTTPSPort = ":443"
)

// tailnetNode is the part of a tsnet.Server the gateway listens through.
type tailnetNode interface {
	Listen(network, addr string) (net.Listener, error)
	ListenTLS(network, addr string) (net.Listener, error)
	ListenFunnel(network, addr string, opts ...tsnet.FunnelOption) (net.Listener, error)
}

var _ tailnetNode = (*tsnet.Server)(nil)

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agentbus", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
}

// setupTailscaleListeners joins the tailnet and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	srv := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)

	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var tailnetIP, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tailnetIP = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}

	grpcLn, httpLn, err = listenTailnet(srv, tsCfg)
	if err != nil {
		_ = srv.Close()
		return nil, nil, err
	}
	g.tsnetServer = srv
	g.logger.Info("tailnet ready",
		"tailscale_ip", tailnetIP,
		"dns_name", dnsName,
		"grpc_addr", grpcLn.Addr().String(),
		"http_addr", httpLn.Addr().String(),
	)
	return grpcLn, httpLn, nil
}

// listenTailnet opens the gRPC listener and the HTTP listener for the agent
// websocket and REST API. Funnel takes precedence over HTTPS, which takes
// precedence over plain HTTP. On error nothing is left open.
func listenTailnet(node tailnetNode, tsCfg config.TailscaleConfig) (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = node.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailnet gRPC port: %w", err)
	}

	switch {
	case tsCfg.Funnel:
		httpLn, err = node.ListenFunnel("tcp", tailnetHTTPSPort)
	case tsCfg.HTTPS:
		httpLn, err = node.ListenTLS("tcp", tailnetHTTPSPort)
	default:
		httpLn, err = node.Listen("tcp", tailnetHTTPPort)
	}
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}
