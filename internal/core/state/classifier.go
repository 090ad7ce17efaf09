package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/signals"
)

type Thresholds struct {
	ActiveWindow time.Duration // events older than now-ActiveWindow don't count for STUCK rules
	LongDwell    time.Duration
	SkimDwell    time.Duration
	SkipBurst    int
	Idle         time.Duration
	Tired        time.Duration
	Cooldown     time.Duration
	EpisodeDedup time.Duration
}

func DefaultThresholds() Thresholds {
	return ThresholdsFrom(config.Default().Buddy)
}

func ThresholdsFrom(c config.BuddyConfig) Thresholds {
	return Thresholds{
		ActiveWindow: secs(c.ActiveWindowS),
		LongDwell:    secs(c.LongDwellS),
		SkimDwell:    secs(c.SkimDwellS),
		SkipBurst:    c.SkipBurst,
		Idle:         secs(c.IdleS),
		Tired:        secs(c.TiredS),
		Cooldown:     secs(c.InterventionCooldownS),
		EpisodeDedup: secs(c.EpisodeDedupS),
	}
}

// SessionState is the classifier's memory between calls. It is passed in
// and handed back in Result.Next; the classifier keeps nothing itself.
// The page fields are outputs only: every call refolds the whole log, and
// only the intervention and episode bookkeeping is read back.
type SessionState struct {
	CurrentPage      int         `json:"current_page"`
	PageEntryTime    time.Time   `json:"page_entry_time"`
	Revisits         map[int]int `json:"revisits,omitempty"`
	LastState        State       `json:"last_state,omitempty"`
	LastStateChange  time.Time   `json:"last_state_change"`
	LastIntervention time.Time   `json:"last_intervention"`
	LastEpisode      time.Time   `json:"last_episode"`
}

type Intervention struct {
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason"`
}

// Episode is a state record destined for the session history.
type Episode struct {
	State    State         `json:"state"`
	Page     int           `json:"page"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"timestamp"`
}

type Result struct {
	State        State
	Mode         Mode
	Reason       string
	Intervention *Intervention
	Episode      *Episode
	Dropped      int
	Next         SessionState
}

func (r Result) ShouldIntervene() bool {
	return r.Intervention != nil
}

type Classifier struct {
	th  Thresholds
	log *logger.Logger
}

func NewClassifier(th Thresholds, log *logger.Logger) *Classifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Classifier{th: th, log: log}
}

func (c *Classifier) Thresholds() Thresholds {
	return c.th
}

// Classify evaluates the event log at time now. The rules form an ordered
// decision list, first match wins: STUCK (revisit, skip burst, dwell with
// scroll-back) > TIRED > IDLE > FOCUSED.
func (c *Classifier) Classify(events []signals.ReadingEvent, now time.Time, prev SessionState) Result {
	w := c.fold(events, now)

	st, reason := c.decide(w, now)

	next := prev
	next.CurrentPage = w.currentPage
	next.PageEntryTime = w.pageEntry
	next.Revisits = w.revisits

	res := Result{State: st, Mode: ModeFor(st), Reason: reason, Dropped: w.dropped}

	// FOCUSED never intervenes, whatever the cooldown says.
	if st != Focused && (prev.LastIntervention.IsZero() || now.Sub(prev.LastIntervention) >= c.th.Cooldown) {
		res.Intervention = &Intervention{Mode: res.Mode, Reason: reason}
		next.LastIntervention = now
	}

	if st != prev.LastState {
		next.LastState = st
		next.LastStateChange = now
	}
	if st != prev.LastState || prev.LastEpisode.IsZero() || now.Sub(prev.LastEpisode) >= c.th.EpisodeDedup {
		res.Episode = &Episode{
			State:    st,
			Page:     w.currentPage,
			Duration: now.Sub(next.LastStateChange),
			At:       now,
		}
		next.LastEpisode = now
	}

	res.Next = next
	if w.dropped > 0 {
		c.log.Debug("dropped malformed reading events", "count", w.dropped)
	}
	if st != prev.LastState {
		c.log.Info("reader state changed", "from", prev.LastState, "to", st, "reason", reason)
	}
	return res
}

// clockSkew is how far ahead of now an event may be stamped before it is
// dropped. Events inside the skew are treated as happening at now.
const clockSkew = 2 * time.Second

type window struct {
	valid        int
	dropped      int
	lastActivity time.Time

	currentPage int
	pageEntry   time.Time
	scrollBacks int // on currentPage since entry

	revisits map[int]int // page_view counts inside the active window
	skipRun  int
	maxSkip  int
}

func (c *Classifier) fold(events []signals.ReadingEvent, now time.Time) *window {
	w := &window{revisits: make(map[int]int)}
	windowStart := now.Add(-c.th.ActiveWindow)

	var last time.Time
	var lastTransition time.Time
	transitionPage := 0

	for _, ev := range events {
		if !ev.Type.Valid() || ev.At.IsZero() || ev.At.Before(last) || ev.At.After(now.Add(clockSkew)) {
			w.dropped++
			continue
		}
		if ev.At.After(now) {
			ev.At = now
		}
		last = ev.At
		w.valid++
		if ev.Type.Activity() {
			w.lastActivity = ev.At
		}
		inWindow := !ev.At.Before(windowStart)

		switch ev.Type {
		case signals.PageView, signals.PageSkip:
			page := ev.Page
			if ev.Type == signals.PageSkip && page == 0 {
				page = transitionPage + 1
			}
			if ev.Type == signals.PageView && inWindow {
				w.revisits[page]++
			}

			switch {
			case lastTransition.IsZero() || page == transitionPage:
			case page < transitionPage || !inWindow:
				w.skipRun = 0
			case ev.At.Sub(lastTransition) < c.th.SkimDwell:
				w.skipRun++
			default:
				// the previous page got a real read; this move starts a new run
				w.skipRun = 1
			}
			if w.skipRun > w.maxSkip {
				w.maxSkip = w.skipRun
			}

			if page != w.currentPage || w.pageEntry.IsZero() {
				w.currentPage = page
				w.pageEntry = ev.At
				w.scrollBacks = 0
			}
			if page != transitionPage || lastTransition.IsZero() {
				lastTransition = ev.At
				transitionPage = page
			}

		case signals.ScrollBack:
			if ev.Page == 0 || ev.Page == w.currentPage {
				w.scrollBacks++
			}
		}
	}
	return w
}

func (c *Classifier) decide(w *window, now time.Time) (State, string) {
	if w.valid == 0 {
		return Focused, "No reading activity yet."
	}

	if page, n := mostRevisited(w.revisits); n >= 2 {
		return Stuck, fmt.Sprintf("Page %d was viewed %d times in the last %s.", page, n, c.th.ActiveWindow)
	}
	if w.maxSkip >= c.th.SkipBurst {
		return Stuck, fmt.Sprintf("Skipped through %d pages without stopping to read.", w.maxSkip)
	}
	if !w.pageEntry.IsZero() && now.Sub(w.pageEntry) > c.th.LongDwell && w.scrollBacks >= 1 {
		return Stuck, fmt.Sprintf("Spent %.0fs on page %d and scrolled back %d times.",
			now.Sub(w.pageEntry).Seconds(), w.currentPage, w.scrollBacks)
	}

	if w.lastActivity.IsZero() {
		return Focused, "Only idle reports so far."
	}
	gap := now.Sub(w.lastActivity)
	if gap >= c.th.Tired {
		return Tired, fmt.Sprintf("No activity for %.0fs.", gap.Seconds())
	}
	if gap >= c.th.Idle {
		return Idle, fmt.Sprintf("No activity for %.0fs.", gap.Seconds())
	}
	return Focused, "Reading steadily."
}

// mostRevisited returns the page with the highest view count, lowest page
// number first on ties so the reason text is stable.
func mostRevisited(visits map[int]int) (int, int) {
	pages := make([]int, 0, len(visits))
	for p := range visits {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	best, bestN := 0, 0
	for _, p := range pages {
		if visits[p] > bestN {
			best, bestN = p, visits[p]
		}
	}
	return best, bestN
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
