// Package reconcile stabilizes the service's transcript stream: it drops
// repeated partials and suppresses near-duplicate finals inside a short window.
package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/snapvoice/pkg/frames"
	"github.com/harunnryd/snapvoice/pkg/metrics"
)

const (
	// DefaultWindow and DefaultThreshold are empirical tuning values.
	DefaultWindow    = 2 * time.Second
	DefaultThreshold = 0.8

	// Substring similarity only applies when the shorter text is longer than this.
	minSubstringLen = 10
)

type Config struct {
	Window    time.Duration `mapstructure:"window"`
	Threshold float64       `mapstructure:"threshold"`
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Reconciled is an event the caller should act on.
type Reconciled struct {
	Text       string
	IsFinal    bool
	Confidence *float64
	ReceivedAt time.Time
}

// Reconciler is safe for concurrent use; events are processed in arrival
// order and never reordered.
type Reconciler struct {
	cfg Config
	obs metrics.Observer

	mu            sync.Mutex
	lastPartial   string
	lastFinalText string
	lastFinalAt   time.Time
}

func New(cfg Config, obs metrics.Observer) *Reconciler {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Reconciler{cfg: cfg.withDefaults(), obs: obs}
}

// Ingest returns the event to emit, or false when it is suppressed.
func (r *Reconciler) Ingest(ev frames.TranscriptEvent) (Reconciled, bool) {
	out := Reconciled{Text: ev.Text, IsFinal: ev.IsFinal, Confidence: ev.Confidence, ReceivedAt: ev.ReceivedAt}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !ev.IsFinal {
		if ev.Empty() || ev.Text == r.lastPartial {
			return Reconciled{}, false
		}
		r.lastPartial = ev.Text
		return out, true
	}

	// A final closes the current utterance's partial stream.
	r.lastPartial = ""
	if ev.Empty() {
		return Reconciled{}, false
	}
	if r.lastFinalText != "" && out.ReceivedAt.Sub(r.lastFinalAt) <= r.cfg.Window {
		if Similarity(r.lastFinalText, ev.Text) > r.cfg.Threshold {
			metrics.Record(r.obs, metrics.EventDuplicateSuppressed, 1, nil)
			return Reconciled{}, false
		}
	}
	r.lastFinalText = ev.Text
	r.lastFinalAt = out.ReceivedAt
	return out, true
}

// Reset clears all dedup state. Called on session restart.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.lastPartial = ""
	r.lastFinalText = ""
	r.lastFinalAt = time.Time{}
	r.mu.Unlock()
}

// Similarity scores two transcripts in [0,1]:
// identical after case and whitespace normalization is 1; when one contains
// the other and the shorter exceeds 10 characters it is len(shorter)/len(longer);
// otherwise it is 2*|common words| / (|words a| + |words b|).
func Similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	shorter, longer := na, nb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) > minSubstringLen && strings.Contains(longer, shorter) {
		return float64(len(shorter)) / float64(len(longer))
	}

	wa, wb := strings.Fields(na), strings.Fields(nb)
	if len(wa)+len(wb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		set[w] = struct{}{}
	}
	common := 0
	seen := make(map[string]struct{}, len(wa))
	for _, w := range wa {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			common++
		}
	}
	return 2 * float64(common) / float64(len(wa)+len(wb))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
