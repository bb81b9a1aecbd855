// Package domain describes the feature catalog and the access gate contract.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
)

// FeatureClass controls which subscription states keep a feature available.
type FeatureClass string

const (
	// ClassFree features are available to everyone, including families
	// without a subscription.
	ClassFree FeatureClass = "free"
	// ClassData features expose data the family already created. They stay
	// available while a payment is being recovered.
	ClassData FeatureClass = "data"
	// ClassAction features create new premium content.
	ClassAction FeatureClass = "action"
)

// StateNone is the virtual state used when a family has no subscription row.
const StateNone = "no_subscription"

const (
	TierBasic   = "basic"
	TierPremium = "premium"
)

type Feature struct {
	Key     string       `json:"key"`
	Class   FeatureClass `json:"class"`
	MinTier string       `json:"min_tier,omitempty"`
}

type Decision struct {
	SubscriptionID snowflake.ID `json:"subscription_id"`
	FeatureKey     string       `json:"feature_key"`
	State          string       `json:"state"`
	Tier           string       `json:"tier,omitempty"`
	Allowed        bool         `json:"allowed"`
}

type Gate interface {
	// IsAllowed never mutates anything and may be called concurrently.
	IsAllowed(snapshot *subscriptiondomain.Subscription, featureKey string) bool
	Check(ctx context.Context, subscriptionID snowflake.ID, featureKey string) (Decision, error)
	Catalog() []Feature
}

var ErrInvalidFeatureKey = errors.New("invalid_feature_key")
