package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/conductor/event"
)

// Topic names follow a pattern:
//
//	workflow:<workflowID>          events of one workflow instance
//	step:<workflowID>/<stepKey>    events of one step of a workflow
//	workflows                      all workflow lifecycle events
//	steps                          all step run events
//	compensations                  all compensation events
//	firehose                       everything
const (
	TopicWorkflows     = "workflows"
	TopicSteps         = "steps"
	TopicCompensations = "compensations"
	TopicFirehose      = "firehose"
)

// WorkflowTopic returns the topic name for a workflow instance.
func WorkflowTopic(workflowID string) string { return "workflow:" + workflowID }

// StepTopic returns the topic name for one step of a workflow instance.
func StepTopic(workflowID, stepKey string) string { return "step:" + workflowID + "/" + stepKey }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Empty topics are dropped.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast delivers an event once to every subscriber on any of the
// topics. It returns how many subscribers got it and how many missed it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *event.Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		switch sub.send(evt) {
		case sendDelivered:
			delivered++
		case sendDropped:
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns every topic an event is published to.
func resolveTopics(evt *event.Event) []string {
	topics := []string{TopicFirehose}

	switch evt.Type.Category() {
	case event.CategoryWorkflow:
		topics = append(topics, TopicWorkflows)
	case event.CategoryStep:
		topics = append(topics, TopicSteps)
	case event.CategoryCompensation:
		topics = append(topics, TopicCompensations)
	}

	if !evt.WorkflowID.IsNil() {
		wfID := evt.WorkflowID.String()
		topics = append(topics, WorkflowTopic(wfID))
		if evt.StepKey != "" {
			topics = append(topics, StepTopic(wfID, evt.StepKey))
		}
	}
	return topics
}

// ParseTopicEntity extracts the entity type and ID from a topic string.
// For example, "workflow:wf_01h..." returns ("workflow", "wf_01h...").
// Returns ("", "") for global topics like "steps" or "firehose".
func ParseTopicEntity(topic string) (entityType, entityID string) {
	idx := strings.IndexByte(topic, ':')
	if idx < 0 {
		return "", ""
	}
	return topic[:idx], topic[idx+1:]
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicWorkflows, TopicSteps, TopicCompensations, TopicFirehose:
		return nil
	}

	entityType, entityID := ParseTopicEntity(topic)
	if entityType == "" || entityID == "" {
		return fmt.Errorf("conductor: invalid stream topic %q", topic)
	}

	switch entityType {
	case "workflow":
		return nil
	case "step":
		if wf, key, ok := strings.Cut(entityID, "/"); !ok || wf == "" || key == "" {
			return fmt.Errorf("conductor: step topic %q needs <workflow>/<step>", topic)
		}
		return nil
	default:
		return fmt.Errorf("conductor: unknown stream topic entity %q", entityType)
	}
}
