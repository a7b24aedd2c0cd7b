package engine

// Health is the snapshot exposed to the API layer.
type Health struct {
	SessionReady bool `json:"session_ready"`
	SentToday    int  `json:"sent_today"`
	MinuteTokens int  `json:"minute_tokens"`
	DailyCap     int  `json:"daily_cap"`
	Headless     bool `json:"headless"`
}

func (e *Engine) Health() Health {
	st := e.limiter.Snapshot()
	e.mu.Lock()
	headless := e.cfg.Headless
	e.mu.Unlock()
	return Health{
		SessionReady: e.tr.IsReady(),
		SentToday:    st.SentToday,
		MinuteTokens: int(st.MinuteTokens),
		DailyCap:     st.DailyCap,
		Headless:     headless,
	}
}
