package supervisor

import (
	"time"

	"github.com/anamnesos/hivemind/internal/log"
)

// evaluateLead implements the optional lead/worker heartbeat fallback
// (spec §4.6): periodically prompt the lead pane to check team status; if
// unresponsive after MaxLeadNudges, fall back to direct worker nudges;
// failure beyond that surfaces a user alert.
func (s *Supervisor) evaluateLead(now time.Time) {
	var lead *paneEntry
	s.mu.Lock()
	for _, e := range s.panes {
		if e.isLead {
			lead = e
			break
		}
	}
	s.mu.Unlock()
	if lead == nil {
		return
	}

	if last, ok := s.activity.LastOutputTime(lead.paneID); ok && last.After(s.lastLeadNudgeAt.Add(ResponseGrace)) {
		s.leadNudgeAttempts = 0
		return
	}

	if !s.isStuck(lead, now) {
		return
	}

	if s.leadNudgeAttempts < MaxLeadNudges {
		if err := s.triggers.AppendTrigger(lead.role, "(SYSTEM #0): (CHECK_TEAM_STATUS)\n"); err != nil {
			log.ErrorErr(log.CatSupervisor, "lead heartbeat nudge failed", err, "paneId", lead.paneID)
			return
		}
		s.leadNudgeAttempts++
		s.lastLeadNudgeAt = now
		log.Info(log.CatSupervisor, "lead heartbeat nudge sent", "paneId", lead.paneID, "attempt", s.leadNudgeAttempts)
		return
	}

	// The lead heartbeat is exhausted. Direct worker stuck-detection already
	// runs unconditionally every tick (evaluatePane, above) regardless of
	// lead status, so the "fall back to direct worker nudges" policy from
	// spec §4.6 is already in effect by construction; what remains here is
	// surfacing that the lead itself needs attention.
	log.Warn(log.CatSupervisor, "lead unresponsive past MaxLeadNudges", "paneId", lead.paneID)
	if s.alerts != nil {
		s.alerts.Alert(lead.paneID, "lead_unresponsive")
	}
}
