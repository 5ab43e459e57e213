package upstream

import (
	"context"
	"fmt"

	"github.com/miekg/dns"

	"github.com/haukened/rr-dot/internal/dns/gateways/wire"
)

// DefaultProbeName is queried by Probe when no name is given.
const DefaultProbeName = "cloudflare.com."

// Probe checks the upstream end to end by relaying a real A query for name and
// decoding the answer. It is used once at startup; the forwarding path itself
// never inspects messages.
func (r *Relay) Probe(ctx context.Context, name string) (*dns.Msg, error) {
	if name == "" {
		name = DefaultProbeName
	}
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), dns.TypeA)

	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack probe query: %w", err)
	}
	framed, err := wire.ToFramed(packed)
	if err != nil {
		return nil, err
	}

	reply, err := r.Relay(ctx, framed)
	if err != nil {
		return nil, fmt.Errorf("upstream probe failed: %w", err)
	}
	payload, err := wire.FromFramed(reply)
	if err != nil {
		return nil, fmt.Errorf("upstream probe failed: %w", err)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(payload); err != nil {
		return nil, fmt.Errorf("failed to unpack probe reply: %w", err)
	}
	if answer.Id != query.Id {
		return nil, fmt.Errorf("probe reply id %d does not match query id %d", answer.Id, query.Id)
	}
	if answer.Rcode != dns.RcodeSuccess {
		return answer, fmt.Errorf("probe for %s returned %s", name, dns.RcodeToString[answer.Rcode])
	}
	return answer, nil
}
