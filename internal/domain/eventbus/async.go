package eventbus

type asyncEvent struct {
	topic string
	args  []interface{}
}

// Start launches the async workers. Calling it more than once is a no-op.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		for i := 0; i < b.workers; i++ {
			b.wg.Add(1)
			go b.worker()
		}
	})
}

// Stop halts the workers after the queued events are delivered.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
	})
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver recovers subscriber panics and counts them as dropped.
func (b *Bus) deliver(ev asyncEvent) {
	defer func() {
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	b.bus.Publish(ev.topic, ev.args...)
}

// PublishAsync queues an event without blocking. It reports false when the
// event was dropped.
func (b *Bus) PublishAsync(topic string, args ...interface{}) bool {
	select {
	case <-b.stopCh:
		b.dropped.Add(1)
		return false
	default:
	}

	select {
	case b.queue <- asyncEvent{topic: topic, args: args}:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}
