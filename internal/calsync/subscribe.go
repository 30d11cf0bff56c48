package calsync

// Subscribe returns a channel that receives every published snapshot,
// starting with the current one. Delivery is latest-wins: a slow reader
// skips intermediate snapshots instead of holding up the worker. The
// returned func unsubscribes and closes the channel.
func (c *Controller) Subscribe(buffer int) (<-chan *Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Snapshot, buffer)

	c.subMu.Lock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.snap.Load()
	c.subMu.Unlock()
	c.metrics.SubscriberAdded()

	unsubscribe := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
			c.metrics.SubscriberRemoved()
		}
	}
	return ch, unsubscribe
}

func (c *Controller) publish(snap *Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		sendLatest(ch, snap)
	}
}

// sendLatest never blocks: when ch is full the oldest pending snapshot is
// dropped to make room.
func sendLatest(ch chan *Snapshot, snap *Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
