package propagation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/config"
)

const (
	queryTimeout = 5 * time.Second
	resolvConf   = "/etc/resolv.conf"
)

// ResolverSet is the list of servers polled for the challenge record.
type ResolverSet struct {
	Servers []string
	// Fallback is set when no authoritative server could be discovered.
	Fallback bool
}

// Result describes a finished Wait.
type Result struct {
	Resolvers ResolverSet
	// Server is the resolver that returned the expected value.
	Server     string
	Attempts   int
	PollErrors int
	Elapsed    time.Duration
}

// Verifier confirms that a TXT record is served by the authoritative name
// servers of a zone.
type Verifier struct {
	udp       *dns.Client
	tcp       *dns.Client
	bootstrap []string
	fallback  []string
	port      string
	interval  time.Duration
	timeout   time.Duration
	log       *zap.Logger
}

func New(cfg *config.Config, log *zap.Logger) *Verifier {
	log = log.Named("propagation")

	bootstrap := cfg.BootstrapResolvers
	if len(bootstrap) == 0 {
		bootstrap = systemResolvers(log)
	}
	if len(bootstrap) == 0 {
		bootstrap = cfg.FallbackResolvers
	}

	return &Verifier{
		udp:       &dns.Client{Net: "udp", Timeout: queryTimeout},
		tcp:       &dns.Client{Net: "tcp", Timeout: queryTimeout},
		bootstrap: bootstrap,
		fallback:  cfg.FallbackResolvers,
		port:      cfg.DNSPort,
		interval:  cfg.PropagationInterval,
		timeout:   cfg.PropagationTimeout,
		log:       log,
	}
}

// Timeout returns the total wait bound and the poll interval.
func (v *Verifier) Timeout() (timeout, interval time.Duration) {
	return v.timeout, v.interval
}

func systemResolvers(log *zap.Logger) []string {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		log.Warn("cannot read system resolvers", zap.Error(err))
		return nil
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// MaxAttempts is the number of poll attempts that fit into timeout,
// ceil(timeout/interval), at least one.
func MaxAttempts(timeout, interval time.Duration) int {
	if interval <= 0 || timeout <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(timeout) / float64(interval)))
	return max(n, 1)
}

// Discover resolves the authoritative name servers of zone to IPv4
// addresses. It never fails: without any usable address the fallback
// resolvers are returned.
func (v *Verifier) Discover(ctx context.Context, zone string) ResolverSet {
	zone = dns.Fqdn(zone)
	log := v.log.With(zap.String("zone", zone))

	hosts, glue, err := v.lookupNS(ctx, zone)
	if err != nil {
		log.Warn("name server discovery failed", zap.Error(err))
	}

	var servers []string
	seen := map[string]struct{}{}
	for _, host := range hosts {
		ips := glue[host]
		if len(ips) == 0 {
			ips, err = v.lookupA(ctx, host)
			if err != nil {
				log.Warn("skipping name server", zap.String("ns", host), zap.Error(err))
				continue
			}
		}
		for _, ip := range ips {
			addr := net.JoinHostPort(ip.String(), v.port)
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			servers = append(servers, addr)
			log.Debug("discovered name server", zap.String("ns", host), zap.String("addr", addr))
		}
	}

	if len(servers) == 0 {
		log.Warn("no authoritative name server resolved, using fallback resolvers",
			zap.Strings("resolvers", v.fallback))
		return ResolverSet{Servers: v.fallback, Fallback: true}
	}

	log.Info("discovered authoritative name servers", zap.Strings("resolvers", servers))
	return ResolverSet{Servers: servers}
}

// Wait polls the authoritative servers of zone until a TXT record of fqdn
// contains expected or every attempt is spent. Authoritative servers get
// non-recursive queries, fallback resolvers recursive ones. The whole wait,
// discovery included, is cut off after timeout plus one interval even when
// a server never answers. Running out of attempts or time yields a
// *TimeoutError.
func (v *Verifier) Wait(ctx context.Context, zone, fqdn, expected string) (*Result, error) {
	if expected == "" {
		return nil, errors.New("expected value is empty")
	}
	fqdn = dns.Fqdn(fqdn)

	start := time.Now()
	bound := v.timeout + v.interval
	pollCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	res := &Result{Resolvers: v.Discover(pollCtx, zone)}
	maxTries := MaxAttempts(v.timeout, v.interval)
	log := v.log.With(zap.String("fqdn", fqdn))

	log.Info("waiting for propagation",
		zap.Strings("resolvers", res.Resolvers.Servers),
		zap.Bool("fallback", res.Resolvers.Fallback),
		zap.Duration("interval", v.interval),
		zap.Duration("timeout", v.timeout),
		zap.Int("max_attempts", maxTries),
	)

	var last error
	operation := func() (string, error) {
		res.Attempts++
		server, err := v.attempt(pollCtx, res, fqdn, expected)
		if err == nil {
			return server, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		last = err
		return "", err
	}

	server, err := backoff.Retry(pollCtx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(v.interval)),
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithMaxElapsedTime(bound),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("record not visible yet",
				zap.Int("attempt", res.Attempts),
				zap.Int("max_attempts", maxTries),
				zap.Duration("next", next),
			)
		}),
	)
	res.Elapsed = time.Since(start)

	if err == nil {
		res.Server = server
		log.Info("record propagated",
			zap.String("server", server),
			zap.Int("attempts", res.Attempts),
			zap.Duration("elapsed", res.Elapsed),
		)
		return res, nil
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if last == nil {
		last = err
	}
	return res, &TimeoutError{FQDN: fqdn, Attempts: res.Attempts, Elapsed: res.Elapsed, Last: last}
}

// attempt queries every server in turn until one of them serves the
// expected value.
func (v *Verifier) attempt(ctx context.Context, res *Result, fqdn, expected string) (string, error) {
	var errs []error
	for _, server := range res.Resolvers.Servers {
		err := v.queryTXT(ctx, server, fqdn, expected, res.Resolvers.Fallback)
		if err == nil {
			return server, nil
		}

		pollErr := &PollError{Attempt: res.Attempts, Server: server, Err: err}
		res.PollErrors++
		v.log.Debug("poll query failed", zap.Error(pollErr))
		errs = append(errs, pollErr)
	}
	if len(errs) == 0 {
		return "", &PollError{Attempt: res.Attempts, Err: errors.New("no resolvers")}
	}
	return "", errors.Join(errs...)
}

func (v *Verifier) queryTXT(ctx context.Context, server, fqdn, expected string, recurse bool) error {
	resp, err := v.exchange(ctx, server, fqdn, dns.TypeTXT, recurse)
	if err != nil {
		return err
	}
	if len(resp.Answer) == 0 {
		return ErrNoAnswer
	}
	if !ContainsValue(resp, expected) {
		return ErrValueMissing
	}
	return nil
}

// ContainsValue reports whether any TXT record in the answer section of m
// contains expected. Character strings of one record are concatenated
// first, long values are split into 255 byte chunks on the wire.
func ContainsValue(m *dns.Msg, expected string) bool {
	if expected == "" {
		return false
	}
	for _, rr := range m.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		if strings.Contains(strings.Join(txt.Txt, ""), expected) {
			return true
		}
	}
	return false
}

func (v *Verifier) lookupNS(ctx context.Context, zone string) ([]string, map[string][]net.IP, error) {
	resp, err := v.bootstrapExchange(ctx, zone, dns.TypeNS)
	if err != nil {
		return nil, nil, err
	}

	var hosts []string
	for _, rr := range resp.Answer {
		if ns, ok := rr.(*dns.NS); ok {
			hosts = append(hosts, strings.ToLower(ns.Ns))
		}
	}
	if len(hosts) == 0 {
		return nil, nil, fmt.Errorf("no NS records for %s", zone)
	}

	glue := map[string][]net.IP{}
	for _, rr := range resp.Extra {
		if a, ok := rr.(*dns.A); ok {
			name := strings.ToLower(a.Hdr.Name)
			glue[name] = append(glue[name], a.A)
		}
	}
	return hosts, glue, nil
}

func (v *Verifier) lookupA(ctx context.Context, host string) ([]net.IP, error) {
	resp, err := v.bootstrapExchange(ctx, host, dns.TypeA)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A records for %s", host)
	}
	return ips, nil
}

// bootstrapExchange sends a recursive query to the bootstrap resolvers and
// returns the first successful answer.
func (v *Verifier) bootstrapExchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	var errs []error
	for _, server := range v.bootstrap {
		resp, err := v.exchange(ctx, server, name, qtype, true)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no bootstrap resolvers")
	}
	return nil, errors.Join(errs...)
}

func (v *Verifier) exchange(ctx context.Context, server, name string, qtype uint16, recurse bool) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = recurse

	resp, _, err := v.udp.ExchangeContext(ctx, m, server)
	if err == nil && resp.Truncated {
		resp, _, err = v.tcp.ExchangeContext(ctx, m, server)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s @%s: %w", dns.TypeToString[qtype], name, server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s @%s: %s", dns.TypeToString[qtype], name, server, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}
