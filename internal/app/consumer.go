/**
 * @description
 * This file contains the handler that bridges decoded activity events from
 * the bus to the streak processor and progression evaluator. Both subsystems
 * see every event; a failure in one never blocks the other.
 *
 * @dependencies
 * - internal/domain: Event shapes.
 * - internal/app: Streak and progression engines.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

// ActivityConsumer fans one inbound activity event out to the engines.
type ActivityConsumer struct {
	streaks     *StreakProcessor
	progression *ProgressionEvaluator
}

// NewActivityConsumer creates the consumer-side handler.
func NewActivityConsumer(streaks *StreakProcessor, progression *ProgressionEvaluator) *ActivityConsumer {
	return &ActivityConsumer{streaks: streaks, progression: progression}
}

// HandleEvent processes one decoded activity event. Returning true acks the
// delivery; false requeues it. Events missing their identity are acked so
// they cannot poison the queue; only infrastructure failures are requeued.
func (c *ActivityConsumer) HandleEvent(evt domain.ActivityEvent) bool {
	if evt.EventName == "" || evt.UserID == "" {
		log.Printf("level=warn component=activity_consumer msg=\"event missing name or user; dropping\" event=%q", evt.EventName)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	requeue := false

	if err := c.streaks.HandleActivity(ctx, evt); err != nil {
		log.Printf("level=error component=activity_consumer msg=\"streak processing failed\" event=%s user_id=%s err=%v", evt.EventName, evt.UserID, err)
		requeue = true
	}

	if err := c.progression.HandleEvent(ctx, evt); err != nil {
		log.Printf("level=error component=activity_consumer msg=\"progression evaluation failed\" event=%s user_id=%s err=%v", evt.EventName, evt.UserID, err)
		requeue = true
	}

	return !requeue
}
