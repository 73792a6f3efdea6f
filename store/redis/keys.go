package redis

// Redis key naming conventions. All keys are prefixed with the store's
// prefix, "conductor:" by default, to avoid collisions.

// outputKey returns the Hash key for a step's outputs: {p}output:{wf}:{step}
func (s *Store) outputKey(workflowID, stepKey string) string {
	return s.prefix + "output:" + workflowID + ":" + stepKey
}

// outputIndexKey returns the Set key tracking steps with outputs: {p}output_idx:{wf}
func (s *Store) outputIndexKey(workflowID string) string {
	return s.prefix + "output_idx:" + workflowID
}

// eventKey returns the key for an event document: {p}event:{id}
func (s *Store) eventKey(eventID string) string { return s.prefix + "event:" + eventID }

// eventStreamKey returns the Stream key for a workflow's events: {p}events:{wf}
func (s *Store) eventStreamKey(workflowID string) string {
	return s.prefix + "events:" + workflowID
}
