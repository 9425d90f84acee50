package service

import (
	commonlog "msg_client/client/common/log"
	"msg_client/client/sync/domain"
)

// Router demultiplexes inbound push events by conversation. Events for an
// open conversation go to its aggregate (which buffers them itself while the
// initial load is outstanding); new-message events for conversations without
// an open view feed the incremental summary index instead.
type Router struct {
	convs *ConversationSet
}

func NewRouter(convs *ConversationSet) *Router {
	return &Router{convs: convs}
}

func (r *Router) Route(ev domain.PushEvent) {
	if ev.ConversationID == "" {
		commonlog.Warnf("event=router action=route status=dropped reason=missing_conversation type=%s", ev.Type)
		return
	}
	switch ev.Type {
	case domain.EventNewMessage, domain.EventDelivered, domain.EventRead,
		domain.EventReactionChanged, domain.EventDeleted:
	default:
		commonlog.Debugf("event=router action=route status=dropped reason=unknown_type type=%s conversation_id=%s", ev.Type, ev.ConversationID)
		return
	}

	if agg, ok := r.convs.Lookup(ev.ConversationID); ok {
		agg.Ingest(ev)
		return
	}
	if ev.Type == domain.EventNewMessage {
		r.convs.BumpSummary(ev)
	}
}
