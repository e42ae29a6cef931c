package injection

import (
	"fmt"
	"time"

	"github.com/anamnesos/hivemind/internal/errs"
	"github.com/anamnesos/hivemind/internal/log"
)

// Timing constants for the interactive delivery algorithm (spec §4.4).
const (
	ctrlU = 0x15

	recentOutputThreshold = 100 * time.Millisecond
	settledOutputThreshold = 500 * time.Millisecond

	delayAfterRecentOutput  = 300 * time.Millisecond
	delayAfterMediumOutput  = 150 * time.Millisecond
	delayAfterSettledOutput = 50 * time.Millisecond

	bypassFlagAutoClear = 75 * time.Millisecond

	verifyInitialWait  = 200 * time.Millisecond
	verifyIdleMaxWait  = 10 * time.Second
	verifyRetryCadence = 200 * time.Millisecond
	verifyMaxRetries   = 5
)

// adaptiveDelay picks the post-write settle delay based on how recently the
// pane produced output, per spec §4.4's Claude-style delivery algorithm.
func adaptiveDelay(lastOutput time.Time, now time.Time) time.Duration {
	since := now.Sub(lastOutput)
	switch {
	case since < recentOutputThreshold:
		return delayAfterRecentOutput
	case since < settledOutputThreshold:
		return delayAfterMediumOutput
	default:
		return delayAfterSettledOutput
	}
}

// deliverInteractive implements the 8-step interactive-pane delivery
// algorithm: clear any stray input, write the message body, wait an
// adaptive settle delay, submit via a bypass-flagged synthetic Enter, then
// verify the pane actually consumed it, retrying submission if not.
func (p *Pipeline) deliverInteractive(msg Message) Result {
	if err := p.writer.WriteControl(msg.PaneID, ctrlU); err != nil {
		log.ErrorErr(log.CatInjection, "clear-line control byte failed", err, "paneId", msg.PaneID)
		return Result{Success: false, Reason: "pty_write_failed", Err: fmt.Errorf("%w: %v", errs.ErrPtyWriteFailed, err)}
	}

	if err := p.writer.Write(msg.PaneID, []byte(msg.Body)); err != nil {
		log.ErrorErr(log.CatInjection, "body write failed", err, "paneId", msg.PaneID)
		return Result{Success: false, Reason: "pty_write_failed", Err: fmt.Errorf("%w: %v", errs.ErrPtyWriteFailed, err)}
	}

	lastOutput, haveOutput := p.activity.LastOutputTime(msg.PaneID)
	if !haveOutput {
		lastOutput = time.Now().Add(-time.Hour)
	}
	time.Sleep(adaptiveDelay(lastOutput, time.Now()))

	verified := p.submitAndVerify(msg)
	if !verified {
		if p.stuck != nil {
			p.stuck.MarkPotentiallyStuck(msg.PaneID, msg.ID)
		}
		p.trackUnverified(msg)
		return Result{Success: true, Verified: false, Reason: "verification_failed"}
	}
	return Result{Success: true, Verified: true}
}

// submitAndVerify writes the bypass-flagged Enter and retries submission up
// to verifyMaxRetries times, waiting for the pane to show fresh activity
// (our signal that the Enter was actually consumed) before giving up.
func (p *Pipeline) submitAndVerify(msg Message) bool {
	before, _ := p.activity.LastOutputTime(msg.PaneID)

	for attempt := 0; attempt < verifyMaxRetries; attempt++ {
		if err := p.writer.WriteControl(msg.PaneID, '\r'); err != nil {
			log.ErrorErr(log.CatInjection, "enter submission failed", err, "paneId", msg.PaneID, "attempt", attempt)
			continue
		}
		// The bypass flag that suppresses the host's own Enter handling
		// auto-clears after a short window; waiting past it before the next
		// retry avoids racing our own synthetic keystroke.
		time.Sleep(bypassFlagAutoClear)

		if p.waitForSubmissionEvidence(msg.PaneID, before) {
			return true
		}
		time.Sleep(verifyRetryCadence)
	}
	return false
}

// waitForSubmissionEvidence polls for fresh pane output after an Enter,
// waiting up to verifyIdleMaxWait beyond the initial settle wait.
func (p *Pipeline) waitForSubmissionEvidence(paneID string, before time.Time) bool {
	deadline := time.Now().Add(verifyInitialWait + verifyIdleMaxWait)
	for time.Now().Before(deadline) {
		last, ok := p.activity.LastOutputTime(paneID)
		if ok && last.After(before) {
			return true
		}
		time.Sleep(verifyRetryCadence)
	}
	return false
}

func (p *Pipeline) trackUnverified(msg Message) {
	p.sweeperMu.Lock()
	defer p.sweeperMu.Unlock()
	p.pendingUnverified[msg.ID] = &unverifiedRecord{
		paneID:    msg.PaneID,
		messageID: msg.ID,
		createdAt: time.Now(),
	}
}
