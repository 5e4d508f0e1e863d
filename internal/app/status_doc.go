package app

import (
	"context"
	"fmt"
	"time"

	"raspbot/internal/cache"
	"raspbot/internal/delivery"
	"raspbot/internal/notifier"
	rtsup "raspbot/internal/runtime/supervisor"
)

// statusDocument is served on /status.
type statusDocument struct {
	Time           time.Time                `json:"time"`
	Browser        string                   `json:"browser"`
	Cache          cache.Stats              `json:"cache"`
	ReportsDropped uint64                   `json:"reports_dropped"`
	Batches        []delivery.BatchStatus   `json:"batches"`
	Digests        []notifier.Outcome       `json:"digests"`
	NextPairs      []time.Time              `json:"next_pair_triggers"`
	Supervisor     rtsup.SupervisorSnapshot `json:"supervisor"`
}

func (a *App) health() error {
	if st := a.browser.State(); !a.browser.Ready() {
		return fmt.Errorf("browser %s", st)
	}
	return nil
}

func (a *App) statusDoc(context.Context) any {
	doc := statusDocument{
		Time:       time.Now().In(a.loc),
		Browser:    a.browser.State().String(),
		Cache:      a.cache.Stats(),
		Batches:    a.pool.Recent(),
		Supervisor: a.sup.Snapshot(),
	}
	if a.chat != nil {
		doc.ReportsDropped = a.chat.Dropped()
	}
	if a.notif != nil {
		doc.Digests = a.notif.Outcomes()
		doc.NextPairs = a.notif.NextTriggers()
	}
	return doc
}
