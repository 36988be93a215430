package app

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

func newConsumerFixture(streakRepo *streakRepoStub, progressionRepo *progressionRepoStub) *ActivityConsumer {
	streaks := NewStreakProcessor(streakRepo, &capturingPublisher{}, time.Second)
	progression := NewProgressionEvaluator(progressionRepo, &capturingPublisher{})
	return NewActivityConsumer(streaks, progression)
}

func TestHandleEvent_MissingEventNameIsAcked(t *testing.T) {
	consumer := newConsumerFixture(&streakRepoStub{}, &progressionRepoStub{})

	if !consumer.HandleEvent(domain.ActivityEvent{ProjectID: uuid.New(), UserID: "ext-1"}) {
		t.Fatal("events without a name must be dropped")
	}
}

func TestHandleEvent_NoMatchingRulesIsAcked(t *testing.T) {
	consumer := newConsumerFixture(&streakRepoStub{}, &progressionRepoStub{})

	acked := consumer.HandleEvent(domain.ActivityEvent{
		ProjectID: uuid.New(),
		UserID:    "ext-1",
		EventName: "lesson.completed",
		Timestamp: time.Now().UTC(),
	})
	if !acked {
		t.Fatal("events with no matching rules should be acked")
	}
}

func TestHandleEvent_InfrastructureFailureIsRequeued(t *testing.T) {
	streakRepo := &streakRepoStub{rulesErr: errors.New("db down")}
	consumer := newConsumerFixture(streakRepo, &progressionRepoStub{})

	acked := consumer.HandleEvent(domain.ActivityEvent{
		ProjectID: uuid.New(),
		UserID:    "ext-1",
		EventName: "lesson.completed",
		Timestamp: time.Now().UTC(),
	})
	if acked {
		t.Fatal("repository failures must requeue the message")
	}
}

func TestHandleEvent_BothEnginesSeeTheEvent(t *testing.T) {
	goldID := uuid.New()
	progressionRepo := &progressionRepoStub{
		user: &domain.EndUser{ID: uuid.New()},
		rules: []domain.ProgressionRule{
			{ID: uuid.New(), Name: "gold", TriggerMetric: "referral_count", Threshold: 1, TargetPlanID: goldID},
		},
		stats: domain.UserStats{ReferralCount: 3},
		plans: map[uuid.UUID]*domain.Plan{goldID: {ID: goldID, Name: "Gold"}},
	}
	rule := domain.StreakRule{ID: uuid.New(), EventName: domain.EventReferralCompleted, Frequency: domain.FrequencyDaily}
	streakRepo := &streakRepoStub{
		rules:       []domain.StreakRule{rule},
		user:        &domain.EndUser{ID: uuid.New()},
		streak:      &domain.UserStreak{ID: uuid.New()},
		applyResult: &domain.ActivityResult{Action: domain.ActionStarted, NewCount: 1},
	}
	consumer := newConsumerFixture(streakRepo, progressionRepo)

	acked := consumer.HandleEvent(domain.ActivityEvent{
		ProjectID: uuid.New(),
		UserID:    "ext-1",
		EventName: domain.EventReferralCompleted,
		Timestamp: time.Now().UTC(),
	})
	if !acked {
		t.Fatal("expected ack on success")
	}
	if streakRepo.historyRecorded == 0 {
		t.Fatal("expected streak engine to process the event")
	}
	if progressionRepo.assignedPlan == nil || *progressionRepo.assignedPlan != goldID {
		t.Fatal("expected progression engine to process the event")
	}
}
