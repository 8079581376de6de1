package scheduler

// Snapshot is a point-in-time view of the executor for status output.
type Snapshot struct {
	Running  bool `json:"running"`
	OneShots int  `json:"one_shots"`
	Crons    int  `json:"crons"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running: s.stopCh != nil,
		Crons:   len(s.defs),
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	s.mu.Unlock()

	snap.OneShots = s.Pending()
	return snap
}
