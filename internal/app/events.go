package app

import (
	"errors"
	"time"
)

// Payload shapes for the event types the service subscribes to. Fields not
// forwarded to the bridge are left out.

type FollowEvent struct {
	UserID            string    `json:"user_id"`
	UserLogin         string    `json:"user_login"`
	UserName          string    `json:"user_name"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	FollowedAt        time.Time `json:"followed_at"`
}

func (e FollowEvent) Validate() error {
	if e.UserID == "" || e.BroadcasterUserID == "" {
		return errors.New("follow event needs user_id and broadcaster_user_id")
	}
	return nil
}

type SubscribeEvent struct {
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Tier              string `json:"tier"`
	IsGift            bool   `json:"is_gift"`
}

func (e SubscribeEvent) Validate() error {
	if e.UserID == "" || e.BroadcasterUserID == "" {
		return errors.New("subscribe event needs user_id and broadcaster_user_id")
	}
	return validTier(e.Tier)
}

// SubscriptionGiftEvent leaves the gifter fields empty for anonymous gifts.
type SubscriptionGiftEvent struct {
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Total             int    `json:"total"`
	Tier              string `json:"tier"`
	IsAnonymous       bool   `json:"is_anonymous"`
}

func (e SubscriptionGiftEvent) Validate() error {
	if e.BroadcasterUserID == "" {
		return errors.New("gift event needs broadcaster_user_id")
	}
	if e.Total < 1 {
		return errors.New("gift event total must be positive")
	}
	return validTier(e.Tier)
}

type CheerEvent struct {
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	IsAnonymous       bool   `json:"is_anonymous"`
	Message           string `json:"message"`
	Bits              int    `json:"bits"`
}

func (e CheerEvent) Validate() error {
	if e.BroadcasterUserID == "" {
		return errors.New("cheer event needs broadcaster_user_id")
	}
	if e.Bits < 1 {
		return errors.New("cheer event bits must be positive")
	}
	return nil
}

type RaidEvent struct {
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	Viewers                  int    `json:"viewers"`
}

func (e RaidEvent) Validate() error {
	if e.FromBroadcasterUserID == "" || e.ToBroadcasterUserID == "" {
		return errors.New("raid event needs both broadcaster ids")
	}
	return nil
}

type Reward struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Cost   int    `json:"cost"`
	Prompt string `json:"prompt"`
}

type RedemptionEvent struct {
	ID                string    `json:"id"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	UserID            string    `json:"user_id"`
	UserLogin         string    `json:"user_login"`
	UserName          string    `json:"user_name"`
	UserInput         string    `json:"user_input"`
	Status            string    `json:"status"`
	Reward            Reward    `json:"reward"`
	RedeemedAt        time.Time `json:"redeemed_at"`
}

func (e RedemptionEvent) Validate() error {
	if e.ID == "" || e.BroadcasterUserID == "" {
		return errors.New("redemption event needs id and broadcaster_user_id")
	}
	if e.Reward.ID == "" {
		return errors.New("redemption event needs a reward id")
	}
	return nil
}

type StreamOnlineEvent struct {
	ID                string    `json:"id"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	Type              string    `json:"type"`
	StartedAt         time.Time `json:"started_at"`
}

type StreamOfflineEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// ChatMessage is the bridge form of channel.chat.message.
type ChatMessage struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	ChatterUserID     string `json:"chatter_user_id"`
	Text              string `json:"text"`
}

func validTier(tier string) error {
	switch tier {
	case "1000", "2000", "3000":
		return nil
	default:
		return errors.New("unknown subscription tier " + tier)
	}
}
