package app

import (
	"slices"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
)

// subscriptionTemplate describes one subscription type. scope is the grant
// the broadcaster must have given, empty when none is needed.
type subscriptionTemplate struct {
	eventType string
	version   string
	scope     string
	needsBot  bool
	condition func(broadcasterID, botUserID string) map[string]string
}

func broadcasterCondition(broadcasterID, _ string) map[string]string {
	return map[string]string{"broadcaster_user_id": broadcasterID}
}

var templates = []subscriptionTemplate{
	{
		eventType: EventChatMessage,
		version:   "1",
		scope:     "channel:bot",
		needsBot:  true,
		condition: func(broadcasterID, botUserID string) map[string]string {
			return map[string]string{"broadcaster_user_id": broadcasterID, "user_id": botUserID}
		},
	},
	{
		eventType: EventFollow,
		version:   "2",
		scope:     "moderator:read:followers",
		condition: func(broadcasterID, _ string) map[string]string {
			return map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": broadcasterID}
		},
	},
	{eventType: EventSubscribe, version: "1", scope: "channel:read:subscriptions", condition: broadcasterCondition},
	{eventType: EventSubscriptionGift, version: "1", scope: "channel:read:subscriptions", condition: broadcasterCondition},
	{eventType: EventCheer, version: "1", scope: "bits:read", condition: broadcasterCondition},
	{
		eventType: EventRaid,
		version:   "1",
		condition: func(broadcasterID, _ string) map[string]string {
			return map[string]string{"to_broadcaster_user_id": broadcasterID}
		},
	},
	{eventType: EventRedemption, version: "1", scope: "channel:read:redemptions", condition: broadcasterCondition},
	{eventType: EventStreamOnline, version: "1", condition: broadcasterCondition},
	{eventType: EventStreamOffline, version: "1", condition: broadcasterCondition},
}

// Catalogue decides which subscriptions a tenant gets from the scopes it
// granted.
type Catalogue struct {
	botUserID string
}

// NewCatalogue returns a catalogue. Without a bot user id chat messages are
// not subscribed.
func NewCatalogue(botUserID string) *Catalogue {
	return &Catalogue{botUserID: botUserID}
}

// EventTypes lists every event type the catalogue can produce.
func (c *Catalogue) EventTypes() []string {
	types := make([]string, 0, len(templates))
	for _, t := range templates {
		types = append(types, t.eventType)
	}
	slices.Sort(types)
	return types
}

// SpecsFor returns the subscriptions for one tenant. A credential with no
// recorded scopes is treated as having all of them.
func (c *Catalogue) SpecsFor(cred domain.TenantCredential) []domain.SubscriptionSpec {
	var specs []domain.SubscriptionSpec
	for _, t := range templates {
		if t.needsBot && c.botUserID == "" {
			continue
		}
		if t.scope != "" && len(cred.Scopes) > 0 && !slices.Contains(cred.Scopes, t.scope) {
			continue
		}
		specs = append(specs, domain.SubscriptionSpec{
			Type:      t.eventType,
			Version:   t.version,
			Condition: t.condition(cred.BroadcasterID, c.botUserID),
		})
	}
	return specs
}

// Specs returns the subscriptions for every tenant.
func (c *Catalogue) Specs(creds []domain.TenantCredential) []domain.SubscriptionSpec {
	var specs []domain.SubscriptionSpec
	for _, cred := range creds {
		specs = append(specs, c.SpecsFor(cred)...)
	}
	return specs
}
