package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/simfleet/internal/bus"
)

// ActivityItem is one task's trip through a worker.
type ActivityItem struct {
	TaskID    int64
	WorkerID  string
	Icon      string
	Detail    string
	StartedAt time.Time
	DoneAt    *time.Time
}

// ActivityFeed keeps the most recent task transitions for display.
type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
	now       func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 12, now: time.Now}
}

// Apply folds one ledger event into the feed. Unknown topics are ignored.
func (f *ActivityFeed) Apply(topic string, ev bus.TaskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	switch topic {
	case bus.TopicTaskClaimed:
		f.items = append(f.items, ActivityItem{TaskID: ev.TaskID, WorkerID: ev.WorkerID, Icon: "▶", StartedAt: now})
		if len(f.items) > f.maxItems {
			f.items = f.items[len(f.items)-f.maxItems:]
		}
	case bus.TopicTaskExecuted:
		f.finishLocked(ev.TaskID, "✓", "", now)
	case bus.TopicTaskFailed, bus.TopicTaskDead:
		f.finishLocked(ev.TaskID, "✗", ev.Category, now)
	case bus.TopicTaskReclaimed:
		f.finishLocked(ev.TaskID, "↺", ev.Reason, now)
	}
}

func (f *ActivityFeed) finishLocked(taskID int64, icon, detail string, now time.Time) {
	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i].TaskID == taskID && f.items[i].DoneAt == nil {
			f.items[i].Icon = icon
			f.items[i].Detail = detail
			f.items[i].DoneAt = &now
			return
		}
	}
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) Items() []ActivityItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ActivityItem(nil), f.items...)
}

// CleanupOld drops finished items older than maxAge.
func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent tasks (a to expand) ──", len(f.items))) + "\n"
	}
	item := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	now := f.now()
	var out strings.Builder
	out.WriteString(dim.Render("── Activity ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s task %d on %s", it.Icon, it.TaskID, it.WorkerID)
		if it.DoneAt != nil {
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(time.Millisecond))
		} else {
			line += fmt.Sprintf(" (%s)", now.Sub(it.StartedAt).Truncate(time.Second))
		}
		if it.Detail != "" {
			line += " " + dim.Render(it.Detail)
		}
		out.WriteString(item.Render(line) + "\n")
	}
	return out.String()
}

// Follow feeds f from an in-process bus until ctx is done.
func (f *ActivityFeed) Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicLedger)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if te, ok := ev.Payload.(bus.TaskEvent); ok {
				f.Apply(ev.Topic, te)
			}
		}
	}
}

// Stream feeds f from a gateway's /ws/events endpoint until ctx is done or
// the connection drops.
func (f *ActivityFeed) Stream(ctx context.Context, wsURL, token string) error {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var ev struct {
			Topic   string          `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !strings.HasPrefix(ev.Topic, bus.TopicLedger) {
			continue
		}
		var te bus.TaskEvent
		if err := json.Unmarshal(ev.Payload, &te); err != nil || te.TaskID == 0 {
			continue
		}
		f.Apply(ev.Topic, te)
	}
}
