package signal

func (ctl *SignalWSController) handlePing(s *wsSession) {
	ctl.Orch.Pong(s.conn)
}
