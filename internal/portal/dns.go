package portal

import (
	"errors"
	"net"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
	"k8s.io/klog/v2"
)

const dnsAnswerTTL = 60

// serveDNS answers one datagram at a time until the connection is closed
func (p *Portal) serveDNS(conn net.PacketConn) error {
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			klog.Warningf("CaptivePortal DNS: read failed: %v", err)
			continue
		}

		ip := net.ParseIP(p.Address()).To4()
		if ip == nil {
			ip = net.ParseIP(p.config.FallbackAddress).To4()
		}
		resp, ok := answerDNS(buf[:n], ip, p.config.CaptureDomain)
		if !ok {
			continue
		}
		if _, err := conn.WriteTo(resp, from); err != nil {
			klog.V(2).Infof("CaptivePortal DNS: write to %s failed: %v", from, err)
		}
	}
}

// answerDNS builds the reply for a query. Every name is captured unless
// domain is set, in which case only domain and its subdomains are.
// ok is false when the packet should be dropped.
func answerDNS(query []byte, ip net.IP, domain string) (resp []byte, ok bool) {
	var parser dnsmessage.Parser
	hdr, err := parser.Start(query)
	if err != nil || hdr.Response || hdr.OpCode != 0 {
		return nil, false
	}
	q, err := parser.Question()
	if err != nil {
		return nil, false
	}
	if q.Class != dnsmessage.ClassINET || !captured(q.Name.String(), domain) {
		return nil, false
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		ID:                 hdr.ID,
		Response:           true,
		Authoritative:      true,
		RecursionDesired:   hdr.RecursionDesired,
		RecursionAvailable: false,
		RCode:              dnsmessage.RCodeSuccess,
	})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, false
	}
	if err := b.Question(q); err != nil {
		return nil, false
	}
	if err := b.StartAnswers(); err != nil {
		return nil, false
	}

	if q.Type == dnsmessage.TypeA && len(ip) == net.IPv4len {
		var a [4]byte
		copy(a[:], ip)
		err := b.AResource(dnsmessage.ResourceHeader{
			Name:  q.Name,
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
			TTL:   dnsAnswerTTL,
		}, dnsmessage.AResource{A: a})
		if err != nil {
			return nil, false
		}
	}

	out, err := b.Finish()
	if err != nil {
		return nil, false
	}
	klog.V(4).Infof("CaptivePortal DNS: %s %s -> %s", q.Type, q.Name, ip)
	return out, true
}

func captured(name, domain string) bool {
	if domain == "" {
		return true
	}
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	return name == domain || strings.HasSuffix(name, "."+domain)
}
