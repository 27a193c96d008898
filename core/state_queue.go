package core

// state_queue.go - named queue operations surface:
// getQueue, getQueueData, upsertQueueData, removeQueueData over the
// initVectors and blockDepths queues. Both queues are looked up by name
// the way the keystore buckets are looked up by bucketName, so the two
// files share the same append/replace/remove shape.

import "fmt"

// QueueName identifies one of the two named at-rest queues.
type QueueName string

const (
	QueueInitVectors QueueName = "initVectors"
	QueueBlockDepths QueueName = "blockDepths"
)

// GetQueue returns every entry currently queued under name, as a slice of
// opaque values (either IVQueueEntry or BlockDepth).
func (s *StateStore) GetQueue(name QueueName) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch name {
	case QueueInitVectors:
		out := make([]any, len(s.state.Queue.InitVectors))
		for i, e := range s.state.Queue.InitVectors {
			out[i] = e
		}
		return out, nil
	case QueueBlockDepths:
		out := make([]any, len(s.state.Queue.BlockDepths))
		for i, e := range s.state.Queue.BlockDepths {
			out[i] = e
		}
		return out, nil
	default:
		return nil, ProcessingError("GetQueue", "BadRequest", fmt.Errorf("unknown queue %q", name))
	}
}

// GetQueueData returns the single initVectors entry matching cryptoHash, or
// ErrNoResource if absent. Only the initVectors queue supports lookup by a
// single key.
func (s *StateStore) GetQueueData(cryptoHash string) (*IVQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.state.Queue.InitVectors {
		if e.CryptoMessageHash == cryptoHash {
			clone := e
			return &clone, nil
		}
	}
	return nil, ProcessingError("GetQueueData", "NoResource", fmt.Errorf("no queued entry for %q", cryptoHash))
}

// UpsertQueueData inserts or replaces an initVectors entry keyed on
// CryptoMessageHash, emitting insertedInQueue or updatedQueue.
func (s *StateStore) UpsertQueueData(entry IVQueueEntry) error {
	if entry.CryptoMessageHash == "" {
		return ProcessingError("UpsertQueueData", "BadRequest", fmt.Errorf("cryptoMessageHash is required"))
	}
	s.mu.Lock()
	event := EventInsertedInQueue
	found := false
	for i, e := range s.state.Queue.InitVectors {
		if e.CryptoMessageHash == entry.CryptoMessageHash {
			s.state.Queue.InitVectors[i] = entry
			event = EventUpdatedQueue
			found = true
			break
		}
	}
	if !found {
		s.state.Queue.InitVectors = append(s.state.Queue.InitVectors, entry)
	}
	s.mu.Unlock()

	s.emitAndSave(event, QueueEvent{Queue: string(QueueInitVectors), Entry: entry})
	return nil
}

// RemoveQueueData removes the initVectors entry matching cryptoHash, if
// present, emitting removedFromQueue.
func (s *StateStore) RemoveQueueData(cryptoHash string) error {
	s.mu.Lock()
	out := s.state.Queue.InitVectors[:0]
	var removed *IVQueueEntry
	for _, e := range s.state.Queue.InitVectors {
		if e.CryptoMessageHash == cryptoHash {
			clone := e
			removed = &clone
			continue
		}
		out = append(out, e)
	}
	s.state.Queue.InitVectors = out
	s.mu.Unlock()

	if removed != nil {
		s.emitAndSave(EventRemovedFromQueue, QueueEvent{Queue: string(QueueInitVectors), Entry: *removed})
	}
	return nil
}

// UpsertBlockDepth inserts or replaces a blockDepths entry keyed on
// (Blockchain, ReferenceID), emitting insertedInQueue or updatedQueue.
func (s *StateStore) UpsertBlockDepth(entry BlockDepth) error {
	if entry.Blockchain == "" || entry.ReferenceID == "" {
		return ProcessingError("UpsertBlockDepth", "BadRequest", fmt.Errorf("blockchain and referenceId are required"))
	}
	s.mu.Lock()
	event := EventInsertedInQueue
	found := false
	for i, e := range s.state.Queue.BlockDepths {
		if e.Blockchain == entry.Blockchain && e.ReferenceID == entry.ReferenceID {
			s.state.Queue.BlockDepths[i] = entry
			event = EventUpdatedQueue
			found = true
			break
		}
	}
	if !found {
		s.state.Queue.BlockDepths = append(s.state.Queue.BlockDepths, entry)
	}
	s.mu.Unlock()

	s.emitAndSave(event, QueueEvent{Queue: string(QueueBlockDepths), Entry: entry})
	return nil
}

// RemoveBlockDepth removes the blockDepths entry matching (blockchain,
// referenceID), if present, emitting removedFromQueue.
func (s *StateStore) RemoveBlockDepth(blockchain, referenceID string) error {
	s.mu.Lock()
	out := s.state.Queue.BlockDepths[:0]
	var removed *BlockDepth
	for _, e := range s.state.Queue.BlockDepths {
		if e.Blockchain == blockchain && e.ReferenceID == referenceID {
			clone := e
			removed = &clone
			continue
		}
		out = append(out, e)
	}
	s.state.Queue.BlockDepths = out
	s.mu.Unlock()

	if removed != nil {
		s.emitAndSave(EventRemovedFromQueue, QueueEvent{Queue: string(QueueBlockDepths), Entry: *removed})
	}
	return nil
}
