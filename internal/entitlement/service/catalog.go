package service

import (
	"github.com/smallbiznis/nestbill/internal/entitlement/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
)

var catalog = []domain.Feature{
	{Key: "milestone-tracker", Class: domain.ClassFree},
	{Key: "feeding-log", Class: domain.ClassFree},
	{Key: "sleep-log", Class: domain.ClassFree},

	{Key: "growth-charts", Class: domain.ClassData, MinTier: domain.TierBasic},
	{Key: "photo-journal", Class: domain.ClassData, MinTier: domain.TierBasic},
	{Key: "caregiver-sharing", Class: domain.ClassAction, MinTier: domain.TierBasic},
	{Key: "routine-reminders", Class: domain.ClassAction, MinTier: domain.TierBasic},

	{Key: "health-records", Class: domain.ClassData, MinTier: domain.TierPremium},
	{Key: "data-export", Class: domain.ClassData, MinTier: domain.TierPremium},
	{Key: "sleep-coaching", Class: domain.ClassAction, MinTier: domain.TierPremium},
	{Key: "expert-qa", Class: domain.ClassAction, MinTier: domain.TierPremium},
	{Key: "development-insights", Class: domain.ClassAction, MinTier: domain.TierPremium},
}

var tierRank = map[string]int{
	domain.TierBasic:   1,
	domain.TierPremium: 2,
}

// policies expands the catalog into (state, tier, feature) rows.
func policies() [][]string {
	rules := make([][]string, 0, len(catalog)*4)
	for _, feature := range catalog {
		if feature.Class == domain.ClassFree {
			rules = append(rules, []string{"*", "*", feature.Key})
			continue
		}
		for tier, rank := range tierRank {
			if rank < tierRank[feature.MinTier] {
				continue
			}
			rules = append(rules,
				[]string{string(subscriptiondomain.StatusTrialing), tier, feature.Key},
				[]string{string(subscriptiondomain.StatusActive), tier, feature.Key},
			)
			if feature.Class == domain.ClassData {
				rules = append(rules, []string{string(subscriptiondomain.StatusPastDue), tier, feature.Key})
			}
		}
	}
	return rules
}
