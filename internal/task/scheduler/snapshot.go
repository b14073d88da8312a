package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Timezone: s.loc.String(),
		Running:  s.Running(),
		Stopped:  s.stopped.Load(),
	}
	if s.sched != nil {
		snap.Schedule = s.sched.Raw
	}
	if s.entryID != 0 {
		e := s.c.Entry(s.entryID)
		snap.Next = e.Next
		snap.Prev = e.Prev
	}
	s.mu.Unlock()

	for _, a := range s.Retailers() {
		snap.Retailers = append(snap.Retailers, a.Retailer().Name)
	}
	snap.Engine = s.engine.Snapshot()
	return snap
}
