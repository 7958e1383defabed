// Command proxy is an intercepting TLS man-in-the-middle proxy for
// AI chat traffic. It terminates every CONNECT tunnel with a spoofed
// leaf certificate, inspects each request for disallowed content, and
// logs every request/response pair to a HAR file.
//
// The CA certificate at --cert-file must be trusted by clients routed
// through this proxy before HTTPS interception will work silently;
// LogTrustInstructions prints the platform-specific steps on startup.
//
// Usage:
//
//	./proxy -p 8081 -o logs.har -c ca/ca_certs/cert.pem -k ca/ca_certs/key.pem
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Femure/tls-interceptor-proxy/internal/config"
	"github.com/Femure/tls-interceptor-proxy/internal/har"
	"github.com/Femure/tls-interceptor-proxy/internal/logger"
	"github.com/Femure/tls-interceptor-proxy/internal/management"
	"github.com/Femure/tls-interceptor-proxy/internal/metrics"
	"github.com/Femure/tls-interceptor-proxy/internal/mitm"
	"github.com/Femure/tls-interceptor-proxy/internal/policy"
	"github.com/Femure/tls-interceptor-proxy/internal/proxyfront"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("MAIN", cfg.LogLevel)
	printBanner(cfg)

	loadCA := mitm.Load
	if cfg.GenerateCA {
		loadCA = mitm.LoadOrGenerate
	}
	ca, err := loadCA(cfg.CertFile, cfg.KeyFile, cfg.KeyPassphrase())
	if err != nil {
		log.Fatalf("startup", "load CA: %v", err)
	}
	mitm.LogTrustInstructions(cfg.CertFile)

	spoofer, err := mitm.NewSpoofer(ca, cfg.LeafCacheFile)
	if err != nil {
		log.Fatalf("startup", "build spoofer: %v", err)
	}
	defer spoofer.Close() //nolint:errcheck // best-effort close on exit

	m := metrics.New()

	hostMap := management.NewHostMapRegistry(cfg)

	var extraRootsPEM []byte
	if cfg.ExtraRootsFile != "" {
		extraRootsPEM, err = os.ReadFile(cfg.ExtraRootsFile)
		if err != nil {
			log.Fatalf("startup", "read extra roots: %v", err)
		}
	}

	connector, err := mitm.NewConnector(hostMap, extraRootsPEM, cfg.UpstreamConnectTimeout)
	if err != nil {
		log.Fatalf("startup", "build connector: %v", err)
	}

	tunnel := mitm.NewTunnel(connector, spoofer, m, logger.New("TUNNEL", cfg.LogLevel))

	sink := har.NewSink(cfg.Outfile, logger.New("HAR", cfg.LogLevel))
	defer sink.Close()

	policyLog := logger.New("POLICY", cfg.LogLevel)
	blockPolicy := policy.Keyword(cfg.BlockKeywords, cfg.BlockRefusalText, policyLog)
	wrapped := policy.Middleware(blockPolicy)

	handler := func(w http.ResponseWriter, r *http.Request, svc *mitm.InterceptionService) {
		resp, err := wrapped(r, policy.Context{Service: svc, Sink: sink})
		if err != nil {
			m.ErrorsUpstream.Add(1)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close() //nolint:errcheck // best-effort close after copy

		if resp.Header.Get(policy.BlockHeader) != "" {
			m.RequestsBlocked.Add(1)
		} else {
			m.RequestsForwarded.Add(1)
		}
		resp.Header.Del(policy.BlockHeader)

		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body) //nolint:errcheck // client may disconnect mid-copy
	}

	front := proxyfront.New(cfg.BindAddress, cfg.Port, tunnel, handler, m, logger.New("FRONT", cfg.LogLevel))

	mgmt := management.New(cfg, hostMap, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Errorf("management", "%v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown", "signal received, shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := front.ListenAndServe(ctx); err != nil {
			log.Errorf("front", "%v", err)
		}
	}()
	wg.Wait()
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          TLS Interceptor Proxy                        ║
╚══════════════════════════════════════════════════════╝
  Proxy port       : %d
  Management port  : %d
  HAR output       : %s
  Block keywords   : %v

  Point clients here:
    export HTTPS_PROXY=http://localhost:%d

  Check status:
    curl http://localhost:%d/status
`, cfg.Port, cfg.ManagementPort, cfg.Outfile, cfg.BlockKeywords,
		cfg.Port, cfg.ManagementPort)
}
