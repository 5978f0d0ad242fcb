package metrics

func (c *Collector) RecordPublished(kind string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordFiltered() {
	if c == nil {
		return
	}
	c.eventsFiltered.Inc()
}

// RecordMalformed counts a dropped event; side is "publisher" or "consumer".
func (c *Collector) RecordMalformed(side string) {
	if c == nil {
		return
	}
	c.malformedEvents.WithLabelValues(side).Inc()
}

func (c *Collector) SetActiveAccounts(n int) {
	if c == nil {
		return
	}
	c.activeAccounts.Set(float64(n))
}

func (c *Collector) RecordActiveEviction() {
	if c == nil {
		return
	}
	c.activeEvictions.Inc()
}

func (c *Collector) SubscriberOpened() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

func (c *Collector) SubscriberClosed(lagged bool) {
	if c == nil {
		return
	}
	c.subscribers.Dec()
	if lagged {
		c.subscribersLagged.Inc()
	}
}

func (c *Collector) SetHighestWriteSlot(slot uint64) {
	if c == nil {
		return
	}
	c.highestWriteSlot.Set(float64(slot))
}

func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeatsSent.Inc()
}

func (c *Collector) RecordSourceEvent(source, kind string) {
	if c == nil {
		return
	}
	c.sourceEvents.WithLabelValues(source, kind).Inc()
}

func (c *Collector) RecordReconnect(source string) {
	if c == nil {
		return
	}
	c.sourceReconnects.WithLabelValues(source).Inc()
}

func (c *Collector) RecordSourceOverflow(source string) {
	if c == nil {
		return
	}
	c.sourceOverflows.WithLabelValues(source).Inc()
}

func (c *Collector) SetSourceState(source string, state int) {
	if c == nil {
		return
	}
	c.sourceState.WithLabelValues(source).Set(float64(state))
}

func (c *Collector) RecordForwarded(kind string) {
	if c == nil {
		return
	}
	c.forwarded.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordDuplicate(kind string) {
	if c == nil {
		return
	}
	c.duplicates.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordBaselineDropped() {
	if c == nil {
		return
	}
	c.baselineDropped.Inc()
}

func (c *Collector) RecordResync() {
	if c == nil {
		return
	}
	c.resyncs.Inc()
}

func (c *Collector) RecordSnapshotAttempt(failed bool) {
	if c == nil {
		return
	}
	c.snapshotAttempts.Inc()
	if failed {
		c.snapshotFailures.Inc()
	}
}

func (c *Collector) RecordSinkBatch(size int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.sinkErrors.Inc()
		return
	}
	c.sinkBatches.Inc()
	c.sinkBatchSize.Observe(float64(size))
}

func (c *Collector) SetSinkQueueDepth(n int) {
	if c == nil {
		return
	}
	c.sinkQueueDepth.Set(float64(n))
}
