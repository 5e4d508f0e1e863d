package fetcher

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultUserAgents is used when the configuration lists none.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:124.0) Gecko/20100101 Firefox/124.0",
}

// disguise picks the per-request browser fingerprint.
type disguise struct {
	mu   sync.Mutex
	rng  *rand.Rand
	uas  []string
	prob float64
	min  time.Duration
	max  time.Duration
}

func newDisguise(uas []string, prob float64, settleMin, settleMax time.Duration, seed uint64) *disguise {
	if len(uas) == 0 {
		uas = DefaultUserAgents
	}
	if settleMax < settleMin {
		settleMax = settleMin
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &disguise{
		rng:  rand.New(rand.NewPCG(seed, seed>>1|1)),
		uas:  append([]string(nil), uas...),
		prob: prob,
		min:  settleMin,
		max:  settleMax,
	}
}

func (d *disguise) userAgent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uas[d.rng.IntN(len(d.uas))]
}

// headers returns a random subset of plausible browser headers. Each one is
// included independently with probability prob.
func (d *disguise) headers(referer string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := map[string]string{}
	pick := func(k, v string) {
		if v != "" && d.rng.Float64() < d.prob {
			out[k] = v
		}
	}
	langs := []string{"ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7", "ru,en;q=0.9", "ru-RU,ru;q=0.9"}
	pick("Accept-Language", langs[d.rng.IntN(len(langs))])
	pick("DNT", "1")
	pick("Upgrade-Insecure-Requests", "1")
	pick("Sec-Fetch-Dest", "document")
	pick("Sec-Fetch-Mode", "navigate")
	pick("Sec-Fetch-Site", "same-origin")
	pick("Sec-Fetch-User", "?1")
	pick("Referer", referer)
	return out
}

// settle returns a delay in [min, max].
func (d *disguise) settle() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	span := d.max - d.min
	if span <= 0 {
		return d.min
	}
	return d.min + time.Duration(d.rng.Int64N(int64(span)+1))
}
