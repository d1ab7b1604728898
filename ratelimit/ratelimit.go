// Package ratelimit counts events per IP address in fixed time windows, with
// separate limits for the address itself and the two networks around it.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Number of address classes counted per event: the address (or /64 for IPv6),
// a small network and a larger network.
const classes = 3

// Limiter enforces limits over one or more windows, e.g. per minute and per
// day. The zero value has no windows and allows everything.
type Limiter struct {
	sync.Mutex
	Windows []Window
}

// Window holds the counts for the current period of one window length.
type Window struct {
	Length time.Duration
	Limits [classes]int64 // Per address class, from narrow to wide.

	period int64 // Index of the current period, time/Length.
	counts map[key]int64
}

type key struct {
	class  uint8
	prefix [16]byte
}

// Add records n events for ip at tm, unless that would exceed a limit in any
// window, in which case nothing is recorded and false is returned. A negative
// n releases earlier events, e.g. when a connection closes.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.check(true, ip, tm, n)
}

// CanAdd returns whether Add would succeed, without recording.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.check(false, ip, tm, n)
}

func (l *Limiter) check(record bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	keys := keysFor(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		w.roll(tm)
		for c, k := range keys {
			if w.counts[k]+n > w.Limits[c] {
				return false
			}
		}
	}
	if record {
		for i := range l.Windows {
			for _, k := range keys {
				l.Windows[i].counts[k] += n
			}
		}
	}
	return true
}

// Reset clears the count of ip in the current periods, and takes the same
// amount off the networks it is part of. Used after a successful login, so
// earlier typos do not count against a user.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	keys := keysFor(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		if w.counts == nil || w.period != tm.UnixNano()/int64(w.Length) {
			continue
		}
		n := w.counts[keys[0]]
		for _, k := range keys {
			w.counts[k] -= n
		}
	}
}

// roll starts a new period with empty counts if tm is past the current one.
func (w *Window) roll(tm time.Time) {
	p := tm.UnixNano() / int64(w.Length)
	if w.counts == nil || p > w.period {
		w.period = p
		w.counts = map[key]int64{}
	}
}

func keysFor(ip net.IP) (keys [classes]key) {
	bits := [classes]int{32, 26, 21}
	total := 32
	if ip.To4() == nil {
		bits = [classes]int{64, 48, 32}
		total = 128
	}
	for c := range keys {
		masked := ip.Mask(net.CIDRMask(bits[c], total))
		keys[c] = key{uint8(c), [16]byte(masked.To16())}
	}
	return
}
