package engine

import "bridge-rotation/internal/core"

// Zip joins per-market candle streams into joint ticks. Each market keeps a
// FIFO of pending candles; a joint tick is emitted once every market has at
// least one, taking the oldest of each. Nothing is dropped, so a fast market
// builds a backlog that the slowest market drains.
type Zip struct {
	markets []string
	queues  map[string][]core.Candle
}

func NewZip(markets []string) *Zip {
	z := &Zip{queues: make(map[string][]core.Candle, len(markets))}
	for _, m := range markets {
		if _, dup := z.queues[m]; dup {
			continue
		}
		z.markets = append(z.markets, m)
		z.queues[m] = nil
	}
	return z
}

// Push queues c and returns a joint tick in market order when the barrier is met.
// Candles for markets outside the zip are ignored.
func (z *Zip) Push(c core.Candle) ([]core.Candle, bool) {
	q, ok := z.queues[c.Market]
	if !ok || len(z.markets) == 0 {
		return nil, false
	}
	z.queues[c.Market] = append(q, c)
	for _, m := range z.markets {
		if len(z.queues[m]) == 0 {
			return nil, false
		}
	}
	tick := make([]core.Candle, 0, len(z.markets))
	for _, m := range z.markets {
		q := z.queues[m]
		tick = append(tick, q[0])
		q[0] = core.Candle{}
		z.queues[m] = q[1:]
	}
	return tick, true
}

// Backlog reports how many candles wait in the deepest queue.
func (z *Zip) Backlog() int {
	depth := 0
	for _, q := range z.queues {
		if len(q) > depth {
			depth = len(q)
		}
	}
	return depth
}
