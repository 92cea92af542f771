package chat

import (
	"context"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"golang.org/x/time/rate"
)

const (
	// DefaultPacingInterval is the minimum gap between paced increments.
	DefaultPacingInterval = 30 * time.Millisecond
	// DefaultCoalesceThreshold is the buffer size above which text is released
	// even without a word boundary.
	DefaultCoalesceThreshold = 3
)

// coalescer joins small deltas into word-sized pieces. A piece is released
// when the latest delta contains a space or newline or the buffer grows past
// threshold bytes.
type coalescer struct {
	buf       strings.Builder
	threshold int
}

func (c *coalescer) push(delta string) string {
	c.buf.WriteString(delta)
	if strings.ContainsAny(delta, " \n") || c.buf.Len() > c.threshold {
		return c.flush()
	}
	return ""
}

func (c *coalescer) flush() string {
	out := c.buf.String()
	c.buf.Reset()
	return out
}

// pacer releases coalesced pieces no faster than one per interval.
type pacer struct {
	coalescer
	limiter *rate.Limiter
}

func newPacer(interval time.Duration, threshold int) *pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &pacer{
		coalescer: coalescer{threshold: threshold},
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// wait blocks until the next piece may be released. When the next slot lies
// beyond ctx's deadline, pacing is switched off and the remaining pieces are
// released immediately.
func (p *pacer) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if cerr := llm.FromContext(ctx, "pacing wait aborted"); cerr != nil {
			return cerr
		}
		p.limiter.SetLimit(rate.Inf)
	}
	return nil
}
