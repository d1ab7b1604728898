// Package address parses "localpart@domain" addresses used between stellarmail
// servers, and normalizes user names.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dragonrelay/stellarmail/dns"
)

var (
	ErrBadAddress  = errors.New("invalid address")
	ErrBadUsername = errors.New("invalid username")
)

// Address is a parsed address. The localpart is a normalized user name.
type Address struct {
	Localpart string
	Domain    dns.Domain
}

// IsZero returns whether a is the empty address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address with the unicode form of the domain.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart + "@" + a.Domain.Name()
}

// NormalizeUsername lower-cases s and removes all characters other than a-z,
// 0-9 and dot. The result must be non-empty and cannot start or end with a dot,
// it is used as directory name.
func NormalizeUsername(s string) (string, error) {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '.' {
			b.WriteRune(c)
		}
	}
	r := b.String()
	if r == "" {
		return "", fmt.Errorf("%w: empty after normalizing %q", ErrBadUsername, s)
	}
	if strings.HasPrefix(r, ".") || strings.HasSuffix(r, ".") || strings.Contains(r, "..") {
		return "", fmt.Errorf("%w: bad dots in %q", ErrBadUsername, r)
	}
	return r, nil
}

// ParseAddress parses s as "localpart@domain". The localpart is normalized like a
// user name and the domain is IDNA-parsed.
func ParseAddress(s string) (Address, error) {
	t := strings.Split(s, "@")
	if len(t) != 2 {
		return Address{}, fmt.Errorf("%w: expected exactly one @ in %q", ErrBadAddress, s)
	}
	lp, err := NormalizeUsername(t[0])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	d, err := dns.ParseDomain(strings.ToLower(t[1]))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	if d.IsZero() {
		return Address{}, fmt.Errorf("%w: empty domain", ErrBadAddress)
	}
	return Address{lp, d}, nil
}
