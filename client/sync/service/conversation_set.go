package service

import (
	"sort"
	"sync"
	"time"

	"msg_client/client/sync/domain"
)

// ConversationSet owns the aggregates for every open conversation plus the
// denormalized summary list used for conversation-list display. Summaries of
// closed conversations are updated incrementally from push events; only
// reconciliation replaces them wholesale.
type ConversationSet struct {
	mu          sync.RWMutex
	localUserID string
	open        map[string]*Aggregate
	summaries   map[string]*domain.ConversationSummary
}

func NewConversationSet(localUserID string) *ConversationSet {
	return &ConversationSet{
		localUserID: localUserID,
		open:        map[string]*Aggregate{},
		summaries:   map[string]*domain.ConversationSummary{},
	}
}

// Open returns the aggregate for the conversation, creating it on first use.
// Reopening a closed conversation always builds a fresh aggregate, so a
// discarded late fetch result can never resurface.
func (s *ConversationSet) Open(conversationID string) (*Aggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agg, ok := s.open[conversationID]; ok {
		return agg, false
	}
	agg := NewAggregate(conversationID, s.localUserID)
	s.open[conversationID] = agg
	return agg, true
}

func (s *ConversationSet) Close(conversationID string) {
	s.mu.Lock()
	agg := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()
	if agg != nil {
		agg.closeSubscribers()
	}
}

func (s *ConversationSet) Lookup(conversationID string) (*Aggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.open[conversationID]
	return agg, ok
}

func (s *ConversationSet) OpenIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplySummaries replaces the summary list with a REST-fetched page, keyed
// by conversation identifier.
func (s *ConversationSet) ApplySummaries(items []domain.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		item := items[i]
		s.summaries[item.ConversationID] = &item
	}
}

// BumpSummary applies a fine-grained update for a new message in a
// conversation that has no open aggregate: last-message summary is replaced
// and the unread counter incremented for foreign senders.
func (s *ConversationSet) BumpSummary(ev domain.PushEvent) {
	if ev.Type != domain.EventNewMessage || ev.Message == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[ev.ConversationID]
	if !ok {
		summary = &domain.ConversationSummary{ConversationID: ev.ConversationID}
		s.summaries[ev.ConversationID] = summary
	}
	msg := ev.Message
	if summary.LastMessage != nil && summary.LastMessage.MessageID == msg.ID {
		return
	}
	summary.LastMessage = &domain.MessageSummary{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
		Status:    msg.Status,
	}
	if msg.SenderID != s.localUserID && msg.Status != domain.StatusRead {
		summary.UnreadCount++
	}
}

// Summaries returns the conversation list ordered by last activity, with
// entries for open conversations reflecting their live aggregate state.
func (s *ConversationSet) Summaries() []domain.ConversationSummary {
	s.mu.RLock()
	items := make([]domain.ConversationSummary, 0, len(s.summaries))
	aggs := make(map[string]*Aggregate, len(s.open))
	for id, agg := range s.open {
		aggs[id] = agg
	}
	for _, summary := range s.summaries {
		items = append(items, *summary)
	}
	s.mu.RUnlock()

	for i := range items {
		if agg, ok := aggs[items[i].ConversationID]; ok && agg.Loaded() {
			view := agg.View()
			items[i].UnreadCount = view.UnreadCount
			items[i].LastMessage = view.LastMessage
		}
	}
	sort.Slice(items, func(i, j int) bool {
		ti, tj := summaryTime(items[i]), summaryTime(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].ConversationID < items[j].ConversationID
	})
	return items
}

func summaryTime(s domain.ConversationSummary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return time.Time{}
}
