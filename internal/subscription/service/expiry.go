package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
)

// ExpireTrials moves trials whose window has closed to expired.
func (s *Service) ExpireTrials(ctx context.Context, now time.Time, limit int) (int, error) {
	candidates, err := s.repo.ListTrialsEndingBefore(ctx, s.db, now, normalizeLimit(limit))
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for _, candidate := range candidates {
		_, err := s.expireTrial(ctx, candidate.ID, "sweep")
		switch {
		case err == nil:
			processed++
		case errors.Is(err, subscriptiondomain.ErrInvalidTransition):
			// converted or canceled since the scan
		default:
			errs = append(errs, fmt.Errorf("subscription %s: %w", candidate.ID, err))
		}
	}
	return processed, errors.Join(errs...)
}

func (s *Service) expireTrial(ctx context.Context, id snowflake.ID, trigger string) (subscriptiondomain.Subscription, error) {
	return s.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: id,
		Expected:       subscriptiondomain.StatusTrialing,
		Target:         subscriptiondomain.StatusExpired,
		Reason:         subscriptiondomain.ReasonTrialExpired,
		EventPayload:   map[string]any{"trigger": trigger},
	})
}
