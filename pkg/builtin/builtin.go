// Package builtin ships the small set of demonstration plug-ins that
// `scanenginectl run` registers: production deployments supply their
// own 200+ plug-in registry, but the binary still needs something real
// to run out of the box. engine.New registers no modules by itself.
package builtin

import (
	"fmt"
	"net"
	"time"

	"github.com/scanforge/engine/pkg/event"
	"github.com/scanforge/engine/pkg/plugin"
)

// Event types the demo pipeline passes between modules.
const (
	TypeDomainName event.Type = "DOMAIN_NAME"
	TypeDNSRecord  event.Type = "DNS_RECORD"
	TypeIPAddress  event.Type = "IP_ADDRESS"
	TypePortOpen   event.Type = "PORT_OPEN"
)

// Register installs the demo module set into reg.
func Register(reg *plugin.StaticRegistry) {
	dnsResolve := &dnsResolver{}
	reg.Register(dnsResolve.Descriptor(), func() plugin.Handler { return &dnsResolver{} })

	portScan := &portProbe{ports: []int{22, 80, 443, 8080}}
	reg.Register(portScan.Descriptor(), func() plugin.Handler {
		return &portProbe{ports: []int{22, 80, 443, 8080}}
	})
}

// dnsResolver consumes a DOMAIN_NAME and emits one DNS_RECORD per
// resolved address, grounded on the engine_test.go expanderHandler
// pattern generalized to a real net.LookupHost call.
type dnsResolver struct {
	resolveHost func(string) ([]string, error)
}

func (r *dnsResolver) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "dns_resolver",
		Consumes:    []event.Type{TypeDomainName},
		Produces:    []event.Type{TypeDNSRecord},
		SoftTimeout: 3 * time.Second,
		HardTimeout: 10 * time.Second,
	}
}

func (r *dnsResolver) Setup(ctx *plugin.Context, options map[string]any) error {
	if r.resolveHost == nil {
		r.resolveHost = net.LookupHost
	}
	return nil
}

func (r *dnsResolver) Teardown(ctx *plugin.Context) error { return nil }

func (r *dnsResolver) Handle(ctx *plugin.Context, in *event.Event) error {
	domain, _ := in.Data["value"].(string)
	if domain == "" {
		return fmt.Errorf("dns_resolver: invalid data: missing domain value")
	}

	addrs, err := r.resolveHost(domain)
	if err != nil {
		return fmt.Errorf("dns_resolver: resolve %s: %w", domain, err)
	}

	for _, addr := range addrs {
		out := in.Derive(TypeDNSRecord, "dns_resolver", map[string]any{
			"domain":  domain,
			"address": addr,
		}).WithRisk(event.RiskInfo, 100)
		if err := ctx.Emit(out); err != nil {
			return err
		}
	}
	return nil
}

// portProbe consumes a DNS_RECORD and emits one PORT_OPEN per open
// port found via a short-timeout TCP dial, the minimal real network
// side effect a demo module can safely perform.
type portProbe struct {
	ports []int
	dial  func(network, address string, timeout time.Duration) (net.Conn, error)
}

func (p *portProbe) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "port_probe",
		Consumes:    []event.Type{TypeDNSRecord},
		Produces:    []event.Type{TypePortOpen},
		SoftTimeout: 5 * time.Second,
		HardTimeout: 15 * time.Second,
	}
}

func (p *portProbe) Setup(ctx *plugin.Context, options map[string]any) error {
	if p.dial == nil {
		p.dial = net.DialTimeout
	}
	return nil
}

func (p *portProbe) Teardown(ctx *plugin.Context) error { return nil }

func (p *portProbe) Handle(ctx *plugin.Context, in *event.Event) error {
	addr, _ := in.Data["address"].(string)
	if addr == "" {
		return fmt.Errorf("port_probe: invalid data: missing address")
	}

	for _, port := range p.ports {
		target := fmt.Sprintf("%s:%d", addr, port)
		conn, err := p.dial("tcp", target, 800*time.Millisecond)
		if err != nil {
			continue
		}
		conn.Close()

		out := in.Derive(TypePortOpen, "port_probe", map[string]any{
			"address": addr,
			"port":    port,
		}).WithRisk(event.RiskLow, 90)
		if err := ctx.Emit(out); err != nil {
			return err
		}
	}
	return nil
}
