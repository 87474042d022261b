// Package dnstest runs an in-process authoritative name server for tests.
package dnstest

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

type key struct {
	name  string
	qtype uint16
}

// Server answers queries from a static set of resource records. Names it
// has no records for get NXDOMAIN.
type Server struct {
	srv  *dns.Server
	conn net.PacketConn

	mu      sync.Mutex
	records map[key][]dns.RR
	names   map[string]struct{}
	queries map[key]int
	recurse map[key]int
	noGlue  bool
}

// Start listens on a random UDP port on the loopback interface.
func Start() (*Server, error) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		conn:    conn,
		records: map[key][]dns.RR{},
		names:   map[string]struct{}{},
		queries: map[key]int{},
		recurse: map[key]int{},
	}

	started := make(chan struct{})
	s.srv = &dns.Server{
		PacketConn:        conn,
		Handler:           dns.HandlerFunc(s.serveDNS),
		NotifyStartedFunc: func() { close(started) },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.ActivateAndServe()
	}()

	select {
	case <-started:
		return s, nil
	case err := <-errc:
		return nil, err
	}
}

// Addr returns host:port of the server.
func (s *Server) Addr() string {
	return s.conn.LocalAddr().String()
}

// Port returns the UDP port of the server.
func (s *Server) Port() string {
	return strconv.Itoa(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (s *Server) Close() error {
	return s.srv.Shutdown()
}

// AddRR adds a record in zone file syntax, e.g.
// "_acme-challenge.example.com. 60 IN TXT \"abc123\"". It panics on
// malformed input.
func (s *Server) AddRR(record string) {
	rr, err := dns.NewRR(record)
	if err != nil {
		panic(err)
	}

	k := key{name: strings.ToLower(rr.Header().Name), qtype: rr.Header().Rrtype}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[k] = append(s.records[k], rr)
	s.names[k.name] = struct{}{}
}

// DisableGlue stops adding the A records of name servers to NS answers.
func (s *Server) DisableGlue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noGlue = true
}

// Queries returns how often name was asked for with qtype.
func (s *Server) Queries(name string, qtype uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[key{name: strings.ToLower(dns.Fqdn(name)), qtype: qtype}]
}

// RecursiveQueries returns how many of those queries had the RD bit set.
func (s *Server) RecursiveQueries(name string, qtype uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recurse[key{name: strings.ToLower(dns.Fqdn(name)), qtype: qtype}]
}

func (s *Server) serveDNS(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true

	s.mu.Lock()
	for _, q := range req.Question {
		k := key{name: strings.ToLower(q.Name), qtype: q.Qtype}
		s.queries[k]++
		if req.RecursionDesired {
			s.recurse[k]++
		}

		if _, ok := s.names[k.name]; !ok {
			m.Rcode = dns.RcodeNameError
			continue
		}
		m.Answer = append(m.Answer, s.records[k]...)

		if q.Qtype == dns.TypeNS && !s.noGlue {
			for _, rr := range s.records[k] {
				ns := strings.ToLower(rr.(*dns.NS).Ns)
				m.Extra = append(m.Extra, s.records[key{name: ns, qtype: dns.TypeA}]...)
			}
		}
	}
	s.mu.Unlock()

	_ = w.WriteMsg(m)
}
