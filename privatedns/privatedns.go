// Package privatedns is the public façade of the private DNS configuration
// and validation engine (spec §2 item 7, §4). It owns no mutable state of
// its own beyond wiring: every operation delegates to internal/registry,
// internal/validation, internal/events and internal/audit.
package privatedns

import (
	"context"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/net/idna"

	"github.com/PixelExperience/packages-modules-DnsResolver/api"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/audit"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/backoffpolicy"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/dnslog"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/events"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/registry"
	"github.com/PixelExperience/packages-modules-DnsResolver/internal/validation"
)

// Re-exported types so callers only need to import this one package for the
// common case (spec §6's public surface).
type (
	NetID            = api.NetID
	Mark             = api.Mark
	Mode             = api.Mode
	EndpointIdentity = api.EndpointIdentity
	EndpointRecord   = api.EndpointRecord
	EndpointKind     = api.EndpointKind
	ValidationState  = api.ValidationState
	TLSParams        = api.TLSParams
	ProbeTransport   = api.ProbeTransport
	Do53LatencyOracle = api.Do53LatencyOracle
	FlagStore        = api.FlagStore
	Observer         = events.Observer
	ClassicSubscriber = events.ClassicSubscriber
	UnsolicitedSubscriber = events.UnsolicitedSubscriber
	UnsolicitedEvent = events.UnsolicitedEvent
	StatusEntry      = registry.StatusEntry
)

const (
	ModeOff           = api.ModeOff
	ModeOpportunistic = api.ModeOpportunistic
	ModeStrict        = api.ModeStrict

	StateUnknown           = api.StateUnknown
	StateInProcess         = api.StateInProcess
	StateSuccess           = api.StateSuccess
	StateSuccessButExpired = api.StateSuccessButExpired
	StateFail              = api.StateFail

	KindDot = api.KindDot
	KindDoh = api.KindDoh
)

// dotPort is the fixed service port for DNS-over-TLS endpoints (spec §4.1,
// §6: "Port is fixed at 853").
const dotPort = 853

// InvalidInput is returned by Set when any server address fails to parse.
// No state is mutated when this error is returned (spec §7).
type InvalidInput struct {
	cause error
}

func (e *InvalidInput) Error() string {
	return "invalid input: " + e.cause.Error()
}

func (e *InvalidInput) Unwrap() error {
	return e.cause
}

// PreconditionFailed is returned by RequestValidation when one of the
// precondition checks of spec §4.4.1 fails. Reason distinguishes which one.
type PreconditionFailed struct {
	Reason string
}

func (e *PreconditionFailed) Error() string {
	return "precondition failed: " + e.Reason
}

// Engine is the façade described in spec §2 item 7 and §4. Construct one
// with New.
type Engine struct {
	registry *registry.Registry
	reporter *events.Reporter
	audit    *audit.Log
	driver   *validation.Driver
}

// Option configures an Engine built by New.
type Option func(*engineConfig)

type engineConfig struct {
	transport    api.ProbeTransport
	oracle       api.Do53LatencyOracle
	flags        api.FlagStore
	auditCap     int
	newBackoff   func() *backoffpolicy.Policy
}

// WithProbeTransport installs the ProbeTransport collaborator (required;
// New panics without one, since the engine cannot validate anything
// otherwise).
func WithProbeTransport(t api.ProbeTransport) Option {
	return func(c *engineConfig) { c.transport = t }
}

// WithDo53LatencyOracle installs the Do53LatencyOracle collaborator used by
// the opportunistic latency gate (spec §4.4 Step A). Optional: a nil oracle
// behaves as "no sample available", so the threshold falls back to the
// minimum.
func WithDo53LatencyOracle(o api.Do53LatencyOracle) Option {
	return func(c *engineConfig) { c.oracle = o }
}

// WithFlagStore installs the FlagStore collaborator. Optional: without one
// every flag uses its engine default.
func WithFlagStore(f api.FlagStore) Option {
	return func(c *engineConfig) { c.flags = f }
}

// WithAuditCapacity overrides the audit log's ring buffer size.
func WithAuditCapacity(n int) Option {
	return func(c *engineConfig) { c.auditCap = n }
}

// WithBackoffOptions overrides the backoff sequence (spec §4.6) every
// validation driver constructs at the start of its run.
func WithBackoffOptions(opts ...backoffpolicy.Option) Option {
	return func(c *engineConfig) {
		c.newBackoff = func() *backoffpolicy.Policy { return backoffpolicy.New(opts...) }
	}
}

// New constructs an Engine. A ProbeTransport must be supplied via
// WithProbeTransport.
func New(opts ...Option) *Engine {
	cfg := &engineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.transport == nil {
		panic("privatedns: WithProbeTransport is required")
	}

	reg := registry.New()
	reporter := events.NewReporter()
	log := audit.New(cfg.auditCap)

	driver := &validation.Driver{
		Registry:   reg,
		Reporter:   reporter,
		Audit:      log,
		Transport:  cfg.transport,
		Do53:       cfg.oracle,
		Flags:      cfg.flags,
		NewBackoff: cfg.newBackoff,
	}

	return &Engine{registry: reg, reporter: reporter, audit: log, driver: driver}
}

// AddClassicSubscriber registers a classic event subscriber (spec §4.5).
func (e *Engine) AddClassicSubscriber(s events.ClassicSubscriber) {
	e.reporter.AddClassicSubscriber(s)
}

// AddUnsolicitedSubscriber registers an unsolicited event subscriber (spec §4.5).
func (e *Engine) AddUnsolicitedSubscriber(s events.UnsolicitedSubscriber) {
	e.reporter.AddUnsolicitedSubscriber(s)
}

// SetObserver installs (or clears, with nil) the single in-process Observer
// (spec §4.5, §6).
func (e *Engine) SetObserver(o events.Observer) {
	e.reporter.SetObserver(o)
}

// Set implements spec §4.1: parses servers, selects the resulting mode, and
// applies it to the registry, spawning validation drivers for any record
// that now needs one. ctx bounds the lifetime of spawned drivers: cancelling
// it stops every driver spawned by this call (and any future call sharing
// the same ctx) from continuing past its next suspension point.
func (e *Engine) Set(ctx context.Context, netID api.NetID, mark api.Mark, servers []string, name string, caCertPEM string) error {
	parsed := make([]netip.AddrPort, 0, len(servers))
	var errs *multierror.Error
	for _, s := range servers {
		addr, err := parseServerAddress(s)
		if err != nil {
			errs = multierror.Append(errs, pkgerrors.Wrapf(err, "server %q", s))
			continue
		}
		parsed = append(parsed, addr)
	}
	if errs.ErrorOrNil() != nil {
		return &InvalidInput{cause: errs.ErrorOrNil()}
	}

	var providerHostname string
	if name != "" {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return &InvalidInput{cause: pkgerrors.Wrapf(err, "provider hostname %q", name)}
		}
		providerHostname = ascii
	}

	mode := selectMode(providerHostname, len(parsed))
	if mode == api.ModeOff {
		e.registry.Clear(netID)
		return nil
	}

	desired := make(map[api.EndpointIdentity]api.EndpointRecord, len(parsed))
	for _, addr := range parsed {
		identity := api.EndpointIdentity{Addr: addr, ProviderHostname: providerHostname}
		desired[identity] = api.EndpointRecord{
			Identity: identity,
			Mark:     mark,
			Active:   true,
			Kind:     api.KindDot,
			TLS:      api.TLSParams{ProviderName: providerHostname, CACertPEM: caCertPEM},
		}
	}

	logger := dnslog.FromContext(ctx).WithValues("netId", netID, "mode", mode.String())
	needsValidation, demoted := e.registry.Apply(netID, mode, desired)
	for _, identity := range demoted {
		logger.V(1).Info("endpoint demoted to successButExpired", "identity", identity.String())
	}

	for _, identity := range needsValidation {
		snapshot, ok := e.registry.Snapshot(netID, identity)
		if !ok {
			continue // raced away between Apply and Snapshot; driver would self-cancel anyway
		}
		logger.V(1).Info("spawning validation driver", "identity", identity.String())
		e.driver.Spawn(ctx, netID, snapshot, false)
	}

	return nil
}

// Clear implements spec §4.2.
func (e *Engine) Clear(netID api.NetID) {
	e.registry.Clear(netID)
}

// GetStatus implements spec §4.2.
func (e *Engine) GetStatus(netID api.NetID) (api.Mode, []registry.StatusEntry) {
	return e.registry.GetStatus(netID)
}

// RequestValidation implements spec §4.4.1.
func (e *Engine) RequestValidation(ctx context.Context, netID api.NetID, identity api.EndpointIdentity, mark api.Mark) error {
	reason, accepted := e.registry.RequestValidationPrecheck(netID, identity, mark)
	if !accepted {
		return &PreconditionFailed{Reason: reason}
	}

	snapshot, ok := e.registry.Snapshot(netID, identity)
	if !ok {
		// Raced away between the precheck's transition and this snapshot;
		// the precheck already committed InProcess, so leave it for the
		// next Set/Clear to resolve rather than spawning a driver for a
		// record we can no longer read.
		return nil
	}

	dnslog.FromContext(ctx).WithValues("netId", netID, "identity", identity.String()).V(1).Info("revalidation requested")
	e.driver.Spawn(ctx, netID, snapshot, true)
	return nil
}

// Dump implements spec §6's Dump(writer) contract, writing the audit log's
// current snapshot to w oldest-first.
func (e *Engine) Dump(w io.Writer) error {
	return audit.Dump(w, e.audit.Snapshot())
}

func selectMode(providerHostname string, numServers int) api.Mode {
	switch {
	case providerHostname != "":
		return api.ModeStrict
	case numServers > 0:
		return api.ModeOpportunistic
	default:
		return api.ModeOff
	}
}

// parseServerAddress parses addr as a numeric host, attaching the fixed DoT
// port 853 (spec §4.1, §6). A bare IP literal ("1.1.1.1", "2606:4700::1")
// is the expected shape; a host:port form is also accepted provided the
// port is exactly 853, to tolerate callers that already include it.
func parseServerAddress(addr string) (netip.AddrPort, error) {
	if a, err := netip.ParseAddr(addr); err == nil {
		return netip.AddrPortFrom(a, dotPort), nil
	}

	host, portStr, err := splitHostPortLenient(addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if port != dotPort {
			return netip.AddrPort{}, pkgerrors.Errorf("port %d is not the fixed DoT port %d", port, dotPort)
		}
	}
	return netip.AddrPortFrom(a, dotPort), nil
}

func splitHostPortLenient(addr string) (host, port string, err error) {
	if strings.HasPrefix(addr, "[") {
		idx := strings.Index(addr, "]")
		if idx < 0 {
			return "", "", pkgerrors.New("unterminated IPv6 literal")
		}
		host = addr[1:idx]
		rest := addr[idx+1:]
		if strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
		return host, port, nil
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 && strings.Count(addr, ":") == 1 {
		return addr[:idx], addr[idx+1:], nil
	}
	return addr, "", nil
}
