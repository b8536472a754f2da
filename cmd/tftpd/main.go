// Command tftpd serves files from a directory over TFTP read requests.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/lbhzy/tftpd/internal/metrics"
	"github.com/lbhzy/tftpd/internal/obslog"
	"github.com/lbhzy/tftpd/internal/tftp"
)

var (
	ipFlag          = pflag.StringP("ip", "i", "0.0.0.0", "IP address to listen on")
	portFlag        = pflag.IntP("port", "p", 69, "UDP port to listen on")
	directoryFlag   = pflag.StringP("directory", "d", ".", "Directory to serve files from")
	timeoutFlag     = pflag.Int("timeout", 1000, "Per-ACK timeout in milliseconds")
	retryFlag       = pflag.Int("retry", 3, "Number of consecutive ACK timeouts after which a transfer is aborted")
	gbnFlag         = pflag.Bool("gbn", false, "Enable the Go-Back-N window-inflation optimisation")
	metricsAddrFlag = pflag.String("metrics-addr", "", "Address to expose Prometheus metrics on (empty disables)")
	logLevelFlag    = pflag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	pflag.Parse()

	if *retryFlag <= 0 {
		fmt.Fprintln(os.Stderr, "please specify a positive --retry count")
		os.Exit(1)
	}
	if *timeoutFlag <= 0 {
		fmt.Fprintln(os.Stderr, "please specify a positive --timeout")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(*directoryFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving --directory %q: %v\n", *directoryFlag, err)
		os.Exit(1)
	}
	if err := os.Chdir(absDir); err != nil {
		fmt.Fprintf(os.Stderr, "entering --directory %q: %v\n", absDir, err)
		os.Exit(1)
	}

	log := obslog.New(os.Stderr, *logLevelFlag)

	var recorder tftp.Recorder
	if *metricsAddrFlag != "" {
		reg := prometheus.NewRegistry()
		rec := metrics.New(reg)
		recorder = rec
		go func() {
			if err := metrics.Serve(*metricsAddrFlag, reg); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	cfg := tftp.Config{
		Directory:  absDir,
		Timeout:    time.Duration(*timeoutFlag) * time.Millisecond,
		MaxRetries: *retryFlag,
		GBN:        *gbnFlag,
		Logger:     log,
		Recorder:   recorder,
	}

	addr := &net.UDPAddr{IP: net.ParseIP(*ipFlag), Port: *portFlag}
	ln, err := tftp.Listen(addr, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "binding %s: %v\n", addr, err)
		os.Exit(1)
	}

	banner := color.New(color.FgGreen, color.Bold)
	banner.Printf("tftpd listening on %s\n", ln.Addr())
	fmt.Printf("  directory:  %s\n", absDir)
	fmt.Printf("  timeout:    %s\n", cfg.Timeout)
	fmt.Printf("  max retry:  %d\n", cfg.MaxRetries)
	fmt.Printf("  gbn:        %v\n", cfg.GBN)
	if *metricsAddrFlag != "" {
		fmt.Printf("  metrics:    http://%s/metrics\n", *metricsAddrFlag)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		color.New(color.FgYellow).Println("shutting down")
		ln.Close()
	}()

	if err := ln.Serve(); err != nil {
		log.Infof("listener stopped: %v", err)
	}
}
