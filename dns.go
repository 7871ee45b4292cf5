package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"
)

// DNSServer answers tunnel queries under one configured suffix and
// nothing else. No recursion, no forwarding; every response carries at
// most one bounded RR, so the server is useless as an amplifier.
type DNSServer struct {
	addr    string
	suffix  string // lowercase, no trailing dot
	fqdn    string // lowercase, trailing dot
	store   *Store
	orc     *Orchestrator
	limiter *ipLimiter
	logger  *log.Logger
	srv     *dns.Server
}

func NewDNSServer(addr, suffix string, store *Store, orc *Orchestrator, logger *log.Logger) *DNSServer {
	suffix = strings.ToLower(strings.Trim(suffix, "."))
	return &DNSServer{
		addr:    addr,
		suffix:  suffix,
		fqdn:    dns.Fqdn(suffix),
		store:   store,
		orc:     orc,
		// One turn can mean dozens of msg chunks plus a poll loop, so
		// the budget is per-query, not per-conversation.
		limiter: newIPLimiter(3000, 300),
		logger:  logger.With("component", "dns"),
	}
}

func (s *DNSServer) Start() error {
	s.srv = &dns.Server{Addr: s.addr, Net: "udp", Handler: dns.HandlerFunc(s.handle)}
	s.logger.Info("listening", "addr", s.addr, "suffix", s.suffix)
	return s.srv.ListenAndServe()
}

// Serve runs on a caller-provided socket. Tests bind 127.0.0.1:0 and
// hand the conn over.
func (s *DNSServer) Serve(pc net.PacketConn) error {
	s.srv = &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(s.handle)}
	return s.srv.ActivateAndServe()
}

func (s *DNSServer) Shutdown() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *DNSServer) handle(w dns.ResponseWriter, r *dns.Msg) {
	// Rate limits drop silently; DNS has no rcode worth sending back
	// to a flooding client.
	if !s.limiter.Allow(w.RemoteAddr().String()) {
		return
	}
	if len(r.Question) == 0 {
		return
	}

	q := r.Question[0]
	name := strings.ToLower(dns.Fqdn(q.Name))

	if !strings.HasSuffix(name, s.fqdn) {
		s.reply(w, r, s.rcode(r, dns.RcodeRefused))
		return
	}
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeTXT {
		s.reply(w, r, s.rcode(r, dns.RcodeRefused))
		return
	}

	cmd, err := parseCommand(name, s.suffix)
	if err != nil {
		s.logger.Debug("rejected query", "name", name, "err", err)
		s.reply(w, r, s.rcode(r, dns.RcodeNameError))
		return
	}

	switch c := cmd.(type) {
	case MsgCommand:
		s.handleMsg(w, r, q, c)
	case GetCommand:
		s.handleGet(w, r, q, c)
	case CntCommand:
		s.handleCnt(w, r, q, c)
	case ClrCommand:
		s.logger.Info("clear", "sid", c.SID)
		s.store.Clear(c.SID)
		s.ack(w, r, q)
	case TstCommand:
		s.reply(w, r, s.txt(r, q, "pong"))
	}
}

func (s *DNSServer) handleMsg(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c MsgCommand) {
	res, blob := s.store.RecordInbound(c.SID, c.Index, c.Total, c.Payload)
	switch res {
	case inboundConflict, inboundInvalid:
		s.reply(w, r, s.rcode(r, dns.RcodeServerFailure))
		return
	case inboundComplete:
		s.logger.Info("message assembled", "sid", c.SID, "bytes", len(blob))
		s.orc.Submit(c.SID, blob)
	}
	s.ack(w, r, q)
}

func (s *DNSServer) handleGet(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c GetCommand) {
	if q.Qtype != dns.TypeTXT {
		s.reply(w, r, s.rcode(r, dns.RcodeRefused))
		return
	}
	if !s.store.Exists(c.SID) {
		s.reply(w, r, s.rcode(r, dns.RcodeNameError))
		return
	}
	chunk, res := s.store.ReadOutbound(c.SID, c.Index)
	switch res {
	case readChunk:
		s.reply(w, r, s.txt(r, q, chunk))
	case readNotYet:
		s.reply(w, r, s.txt(r, q, ""))
	case readPastEnd:
		s.reply(w, r, s.txt(r, q, "END"))
	}
}

func (s *DNSServer) handleCnt(w dns.ResponseWriter, r *dns.Msg, q dns.Question, c CntCommand) {
	if q.Qtype != dns.TypeTXT {
		s.reply(w, r, s.rcode(r, dns.RcodeRefused))
		return
	}
	if !s.store.Exists(c.SID) {
		s.reply(w, r, s.rcode(r, dns.RcodeNameError))
		return
	}
	n, state := s.store.Status(c.SID)
	s.reply(w, r, s.txt(r, q, fmt.Sprintf("%d,%c", n, state)))
}

// ack answers a state-changing query with the cheapest record the
// client asked for: a synthetic A or a short TXT.
func (s *DNSServer) ack(w dns.ResponseWriter, r *dns.Msg, q dns.Question) {
	if q.Qtype == dns.TypeA {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
			A:   net.IPv4(0, 0, 0, 0),
		})
		s.reply(w, r, m)
		return
	}
	s.reply(w, r, s.txt(r, q, "ok"))
}

func (s *DNSServer) txt(r *dns.Msg, q dns.Question, value string) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Answer = append(m.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
		Txt: []string{value},
	})
	return m
}

func (s *DNSServer) rcode(r *dns.Msg, code int) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(r, code)
	m.Authoritative = true
	return m
}

func (s *DNSServer) reply(w dns.ResponseWriter, r *dns.Msg, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		s.logger.Debug("write failed", "err", err)
	}
}
