package injection

import (
	"time"

	"github.com/anamnesos/hivemind/internal/log"
)

// Sweeper re-issue window (spec §4.4): a record is only re-issued once its
// pane has gone quiet for sweeperMinPaneIdle (the pane may simply be slow
// producing output otherwise), and only while the record is younger than
// sweeperMaxRecordAge; past that ceiling it's considered abandoned and
// dropped rather than retried forever.
const (
	sweeperPeriod       = 30 * time.Second
	sweeperMinPaneIdle  = 10 * time.Second
	sweeperMaxRecordAge = 5 * time.Minute
)

// StartSweeper launches the background task that re-issues Enter for
// messages whose delivery was never verified, and stops retrying once a
// record ages past sweeperMaxRecordAge. Call the returned function to stop
// it.
func (p *Pipeline) StartSweeper() func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(sweeperPeriod)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
	return func() { close(stop) }
}

func (p *Pipeline) sweep() {
	now := time.Now()

	p.sweeperMu.Lock()
	due := make([]*unverifiedRecord, 0)
	for id, rec := range p.pendingUnverified {
		age := now.Sub(rec.createdAt)
		if age > sweeperMaxRecordAge {
			log.Warn(log.CatInjection, "dropping stale unverified injection", "paneId", rec.paneID, "messageId", rec.messageID, "age", age.String())
			delete(p.pendingUnverified, id)
			continue
		}
		last, ok := p.activity.LastOutputTime(rec.paneID)
		if !ok || now.Sub(last) >= sweeperMinPaneIdle {
			due = append(due, rec)
		}
	}
	p.sweeperMu.Unlock()

	for _, rec := range due {
		if err := p.writer.WriteControl(rec.paneID, '\r'); err != nil {
			log.ErrorErr(log.CatInjection, "sweeper re-issue failed", err, "paneId", rec.paneID, "messageId", rec.messageID)
			continue
		}
		log.Info(log.CatInjection, "sweeper re-issued enter", "paneId", rec.paneID, "messageId", rec.messageID)

		last, ok := p.activity.LastOutputTime(rec.paneID)
		if ok && last.After(rec.createdAt) {
			p.sweeperMu.Lock()
			delete(p.pendingUnverified, rec.messageID)
			p.sweeperMu.Unlock()
		}
	}
}
