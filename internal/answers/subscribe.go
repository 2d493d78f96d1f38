package answers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// Subscribe streams events for one answer, or for all answers when id is
// empty. The channel is closed when ctx ends or the connection drops.
// Subscribe returns only after Redis has confirmed the subscription, so no
// event published afterwards is missed.
func (s *Store) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	channel := s.globalChannel()
	if id != "" {
		channel = s.channel(id)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("answers subscribe: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(channel); err != nil {
		conn.Close()
		return nil, fmt.Errorf("answers subscribe: %w", err)
	}
	for confirmed := false; !confirmed; {
		switch v := psc.Receive().(type) {
		case redis.Subscription:
			confirmed = v.Kind == "subscribe"
		case error:
			conn.Close()
			return nil, fmt.Errorf("answers subscribe: %w", v)
		}
	}

	out := make(chan Event, 16)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			// Unsubscribe may run concurrently with Receive.
			psc.Unsubscribe()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer conn.Close()
		defer close(done)
		for {
			switch v := psc.ReceiveWithTimeout(0).(type) {
			case redis.Message:
				var ev Event
				if err := json.Unmarshal(v.Data, &ev); err != nil {
					s.log.Warn("decoding answer event", "channel", v.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
				}
			case redis.Subscription:
				if v.Count == 0 {
					return
				}
			case error:
				if ctx.Err() == nil {
					s.log.Warn("answer subscription ended", "channel", channel, "error", v)
				}
				return
			}
		}
	}()

	return out, nil
}
