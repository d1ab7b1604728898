package mailserver

import (
	"math"
	"time"

	"github.com/dragonrelay/stellarmail/ratelimit"
)

// limiters count per remote IP and its surrounding networks.
type limiters struct {
	connectionRate *ratelimit.Limiter
	connections    *ratelimit.Limiter // Open connections, released on close.
	failedLogin    *ratelimit.Limiter
}

func newLimiters() *limiters {
	return &limiters{
		connectionRate: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				{Length: time.Minute, Limits: [...]int64{300, 900, 2700}},
			},
		},
		connections: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				{Length: time.Duration(math.MaxInt64), Limits: [...]int64{30, 90, 270}}, // All of time.
			},
		},
		failedLogin: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				{Length: time.Minute, Limits: [...]int64{10, 30, 90}},
				{Length: 24 * time.Hour, Limits: [...]int64{50, 150, 450}},
			},
		},
	}
}

func (s *Server) limits() *limiters {
	s.limitsOnce.Do(func() {
		s.limiterSet = newLimiters()
	})
	return s.limiterSet
}
