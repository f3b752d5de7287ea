package jobs

// Pause stops dispatching queued jobs. Admission continues up to
// max_queue_depth and jobs already in the pipeline keep running.
func (s *System) Pause() {
	s.scheduler.Pause()
}

// Resume restarts dispatching after Pause.
func (s *System) Resume() {
	s.scheduler.Resume()
}

// IsPaused reports whether dispatch is paused.
func (s *System) IsPaused() bool {
	return s.scheduler.Stats().Paused
}
