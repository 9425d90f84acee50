package service

import (
	"msg_client/client/sync/domain"
)

// Per-message delivery state machine: pending/failed are local-only, the
// server-confirmed path is sent -> delivered -> read and never regresses,
// deleted is terminal from any state. Duplicates are absorbed, never errors.

type statusDecision int

const (
	statusApplied statusDecision = iota
	statusDuplicate
	statusIgnored
)

// applyStatusTransition advances msg toward next if the transition is legal.
// Events carrying a per-message sequence number lower than one already applied
// are duplicates regardless of target state.
func applyStatusTransition(msg *domain.Message, next domain.DeliveryStatus, seq int64) statusDecision {
	if msg.Status == domain.StatusDeleted {
		return statusIgnored
	}
	if seq > 0 && seq <= msg.StatusSeq {
		return statusDuplicate
	}

	switch next {
	case domain.StatusDelivered:
		switch msg.Status {
		case domain.StatusSent:
			// legal
		case domain.StatusDelivered:
			// Same target state: no transition, but the sequence number is
			// still recorded so the server confirmation is not lost (an
			// optimistic local read relies on it to survive rollback).
			if seq > msg.StatusSeq {
				msg.StatusSeq = seq
			}
			return statusDuplicate
		default:
			// read stays read; local pending/failed never advance via push.
			return statusIgnored
		}
	case domain.StatusRead:
		switch msg.Status {
		case domain.StatusSent, domain.StatusDelivered:
			// legal
		case domain.StatusRead:
			if seq > msg.StatusSeq {
				msg.StatusSeq = seq
			}
			return statusDuplicate
		default:
			return statusIgnored
		}
	default:
		return statusIgnored
	}

	msg.Status = next
	if seq > 0 {
		msg.StatusSeq = seq
	}
	return statusApplied
}

// applyDeleted moves msg into the terminal deleted state. The record is kept
// so that late reaction events still have a home.
func applyDeleted(msg *domain.Message, seq int64) statusDecision {
	if msg.Status == domain.StatusDeleted {
		return statusDuplicate
	}
	msg.Status = domain.StatusDeleted
	if seq > 0 && seq > msg.StatusSeq {
		msg.StatusSeq = seq
	}
	return statusApplied
}

// applyReactions merges a reaction event into the message: at most one
// reaction per user, last write wins, an empty kind removes the user's
// reaction. Reactions are independent of delivery status and also apply to
// deleted residual records.
func applyReactions(msg *domain.Message, reactions []domain.Reaction) {
	if len(reactions) == 0 {
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = map[string]string{}
	}
	for _, r := range reactions {
		if r.UserID == "" {
			continue
		}
		if r.Kind == "" {
			delete(msg.Reactions, r.UserID)
			continue
		}
		msg.Reactions[r.UserID] = r.Kind
	}
	if len(msg.Reactions) == 0 {
		msg.Reactions = nil
	}
}

// mergeSnapshotStatus picks the status for a message present both locally and
// in a REST snapshot: the higher-ranked one wins, so a push-applied read is
// never clobbered by a stale snapshot's delivered.
func mergeSnapshotStatus(local, snapshot *domain.Message) {
	if local.Status == domain.StatusDeleted {
		return
	}
	if snapshot.Status == domain.StatusDeleted {
		local.Status = domain.StatusDeleted
		return
	}
	if snapshot.Status.Rank() > local.Status.Rank() {
		local.Status = snapshot.Status
	}
	if snapshot.Status.Rank() >= local.Status.Rank() && snapshot.StatusSeq > local.StatusSeq {
		local.StatusSeq = snapshot.StatusSeq
	}
}
