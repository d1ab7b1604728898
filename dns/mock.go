package dns

import (
	"context"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	A     map[string][]string
	AAAA  map[string][]string
	CNAME map[string]string
	Fail  []string // Records of the form "type name", e.g. "ip localhost." that will return a servfail.
}

type mockReq struct {
	Type string // E.g. "ip".
	Name string
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

var _ Resolver = MockResolver{}

func (r MockResolver) result(ctx context.Context, mr mockReq) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	seen := map[string]bool{}
	for {
		if slices.Contains(r.Fail, mr.String()) {
			return mr.Name, r.servfail(mr.Name)
		}
		cname, ok := r.CNAME[mr.Name]
		if !ok || seen[mr.Name] {
			break
		}
		seen[mr.Name] = true
		mr.Name = cname
	}
	return mr.Name, nil
}

func (r MockResolver) nxdomain(s string) error {
	return &adns.DNSError{
		Err:        "no record",
		Name:       s,
		Server:     "mock",
		IsNotFound: true,
	}
}

func (r MockResolver) servfail(s string) error {
	return &adns.DNSError{
		Err:         "temp error",
		Name:        s,
		Server:      "mock",
		IsTemporary: true,
	}
}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	name, err := r.result(ctx, mockReq{"ip", host})
	if err != nil {
		return nil, adns.Result{}, err
	}
	var ips []net.IP
	switch network {
	case "ip", "ip4":
		for _, ip := range r.A[name] {
			ips = append(ips, net.ParseIP(ip))
		}
	}
	switch network {
	case "ip", "ip6":
		for _, ip := range r.AAAA[name] {
			ips = append(ips, net.ParseIP(ip))
		}
	}
	if len(ips) == 0 {
		return nil, adns.Result{}, r.nxdomain(host)
	}
	return ips, adns.Result{}, nil
}
