// Command dnsvalidationdemo wires the private DNS validation engine
// (github.com/PixelExperience/packages-modules-DnsResolver/privatedns) to a
// real DNS-over-TLS ProbeTransport and drives one Set call from flags, the
// way the teacher's own cmd/main.go drives a controller-manager from flags
// and environment overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/PixelExperience/packages-modules-DnsResolver/internal/dnslog"
	"github.com/PixelExperience/packages-modules-DnsResolver/privatedns"
)

var (
	netID       int
	mark        uint
	serversFlag string
	name        string
	caCertPath  string
	logLevel    string
	logMode     string

	netIDKey      = variableKey("net-id")
	markKey       = variableKey("mark")
	serversKey    = variableKey("servers")
	nameKey       = variableKey("provider-name")
	caCertPathKey = variableKey("ca-cert-path")
	logLevelKey   = variableKey("log-level")
	logModeKey    = variableKey("log-mode")
)

const defaultLogLevel = zapcore.InfoLevel

func main() {
	flag.IntVar(&netID, netIDKey.Flag(), 100, "Network id to configure private DNS for.")
	flag.UintVar(&mark, markKey.Flag(), 0, "Socket mark to probe under.")
	flag.StringVar(&serversFlag, serversKey.Flag(), "", "Comma separated list of DNS-over-TLS server IP literals.")
	flag.StringVar(&name, nameKey.Flag(), "", "Strict mode provider hostname. Empty selects opportunistic mode.")
	flag.StringVar(&caCertPath, caCertPathKey.Flag(), "", "Path to a PEM CA certificate to pass through to the probe transport.")
	flag.StringVar(&logLevel, logLevelKey.Flag(), "", "Log level")
	flag.StringVar(&logMode, logModeKey.Flag(), "", "Log mode")
	flag.Parse()

	overrideFlagsFromEnv()

	logger := dnslog.NewDefault(parseLogLevel(logLevel), logMode == "development")
	dnslog.SetLogger(logger)

	var caCertPEM string
	if caCertPath != "" {
		b, err := os.ReadFile(caCertPath)
		if err != nil {
			logger.Error(err, "unable to read ca cert")
			os.Exit(1)
		}
		caCertPEM = string(b)
	}

	servers := splitNonEmpty(serversFlag)
	if len(servers) == 0 && name == "" {
		logger.Info("no servers or provider name given, nothing to validate")
		os.Exit(0)
	}

	engine := privatedns.New(
		privatedns.WithProbeTransport(&dotProbeTransport{dialTimeout: 5 * time.Second}),
	)
	engine.AddClassicSubscriber(loggingSubscriber{logger: logger})
	engine.SetObserver(loggingObserver{logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = dnslog.IntoContext(ctx, logger)

	if err := engine.Set(ctx, privatedns.NetID(netID), privatedns.Mark(mark), servers, name, caCertPEM); err != nil {
		logger.Error(err, "unable to apply private DNS configuration")
		os.Exit(1)
	}

	mode, status := engine.GetStatus(privatedns.NetID(netID))
	logger.Info("configuration applied", "mode", mode.String(), "endpoints", len(status))

	<-ctx.Done()

	if err := engine.Dump(os.Stdout); err != nil {
		logger.Error(err, "unable to dump audit log")
		os.Exit(1)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// overrideFlagsFromEnv lets every flag also be set by its upper-snake-case
// environment variable, the same convention the teacher's
// overrideControllerFlags applies to its own controller flags.
func overrideFlagsFromEnv() {
	if v, ok := os.LookupEnv(netIDKey.Envar()); ok {
		fmt.Sscanf(v, "%d", &netID)
	}
	if v, ok := os.LookupEnv(markKey.Envar()); ok {
		fmt.Sscanf(v, "%d", &mark)
	}
	if v, ok := os.LookupEnv(serversKey.Envar()); ok {
		serversFlag = v
	}
	if v, ok := os.LookupEnv(nameKey.Envar()); ok {
		name = v
	}
	if v, ok := os.LookupEnv(caCertPathKey.Envar()); ok {
		caCertPath = v
	}
	if v, ok := os.LookupEnv(logLevelKey.Envar()); ok {
		logLevel = v
	}
	if v, ok := os.LookupEnv(logModeKey.Envar()); ok {
		logMode = v
	}
}

// variableKey represents a flag that can also be set as an environment
// variable, grounded on the teacher's cmd/main.go variableKey type.
type variableKey string

func (v variableKey) Flag() string {
	return strings.ReplaceAll(strings.ToLower(string(v)), "_", "-")
}

func (v variableKey) Envar() string {
	return strings.ReplaceAll(strings.ToUpper(string(v)), "-", "_")
}

func parseLogLevel(raw string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(raw)
	if err != nil {
		return defaultLogLevel
	}
	return lvl
}
