package supervisor

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/snapvoice/pkg/metrics"
	"github.com/harunnryd/snapvoice/pkg/reconcile"
)

// Trigger runs an action when a final result contains one of its phrases.
// It fires at most once per utterance: a repeat of the text that last fired
// within Guard is ignored even if it slipped past reconciliation, for example
// across a restart.
type Trigger struct {
	phrases []string
	action  func(text string)
	guard   time.Duration
	obs     metrics.Observer
	now     func() time.Time

	mu        sync.Mutex
	lastText  string
	lastFired time.Time
}

func NewTrigger(phrases []string, guard time.Duration, action func(text string), obs metrics.Observer) *Trigger {
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.Join(strings.Fields(strings.ToLower(p)), " "); p != "" {
			norm = append(norm, p)
		}
	}
	if guard <= 0 {
		guard = reconcile.DefaultWindow
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Trigger{phrases: norm, action: action, guard: guard, obs: obs, now: time.Now}
}

// OnEvent implements Listener.
func (t *Trigger) OnEvent(ev Event) {
	if ev.Type != EventSpeechResults || t.action == nil {
		return
	}
	text := strings.Join(strings.Fields(strings.ToLower(ev.Text)), " ")
	if !t.matches(text) {
		return
	}
	now := t.now()
	t.mu.Lock()
	if t.lastText != "" && now.Sub(t.lastFired) <= t.guard && reconcile.Similarity(t.lastText, text) > reconcile.DefaultThreshold {
		t.mu.Unlock()
		return
	}
	t.lastText = text
	t.lastFired = now
	t.mu.Unlock()

	metrics.Record(t.obs, metrics.EventTrigger, 1, nil)
	t.action(ev.Text)
}

func (t *Trigger) matches(text string) bool {
	for _, p := range t.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
