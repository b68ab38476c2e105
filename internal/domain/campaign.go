package domain

import (
	"fmt"
	"strings"
	"time"
)

// Campaign represents one marketing wave (typically an album release) with
// its upstream campaign id and, when resolved, the store product it sells.
// Names are normalized to upper case in the form YYYY_ARTIST_PRODUCT.
type Campaign struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	ProductID string    `json:"product_id,omitempty" db:"product_id"`
	Artist    string    `json:"artist,omitempty" db:"artist"`
	Album     string    `json:"album,omitempty" db:"album"`
	Year      int       `json:"year,omitempty" db:"year"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PurchaseFieldName returns the name of the per-campaign purchase field,
// e.g. "2025_ARTIST_ALBUM_PURCHASE".
func (c Campaign) PurchaseFieldName() string {
	return c.Name + "_PURCHASE"
}

// GroupName returns the upstream group name for the given tier,
// e.g. "2025_ARTIST_ALBUM_GOLD".
func (c Campaign) GroupName(tier string) string {
	return c.Name + "_" + strings.ToUpper(tier)
}

// Field is the upstream custom subscriber attribute that stores the order id
// of a campaign purchase. Exactly one field exists per campaign.
type Field struct {
	ID         string    `json:"id" db:"id"`
	FieldName  string    `json:"field_name" db:"field_name"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Group is an upstream audience representing one (campaign, tier) pair.
// The name is always "<CAMPAIGN>_<TIER>" in upper case.
type Group struct {
	ID         string    `json:"id" db:"id"`
	GroupName  string    `json:"group_name" db:"group_name"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Tier       string    `json:"subscriber_tier" db:"subscriber_tier"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// TierFromGroupName extracts the tier suffix from an upstream group name
// given its campaign name. Comparison is case-insensitive; the returned tier
// is upper case. ok is false when the group does not belong to the campaign.
func TierFromGroupName(groupName, campaignName string) (tier string, ok bool) {
	g := strings.ToUpper(strings.TrimSpace(groupName))
	prefix := strings.ToUpper(campaignName) + "_"
	if !strings.HasPrefix(g, prefix) {
		return "", false
	}
	tier = strings.TrimPrefix(g, prefix)
	if tier == "" {
		return "", false
	}
	return tier, true
}

// CampaignGroupSubscriber is one subscriber's membership in a campaign's
// tier group, keyed by (campaign, subscriber). PurchaseID carries the store
// order id parsed from the campaign's purchase field; zero means none.
type CampaignGroupSubscriber struct {
	CampaignID   string    `json:"campaign_id" db:"campaign_id"`
	SubscriberID string    `json:"subscriber_id" db:"subscriber_id"`
	GroupID      string    `json:"group_id" db:"group_id"`
	Tier         string    `json:"subscriber_tier" db:"subscriber_tier"`
	PurchaseID   int64     `json:"purchase_id,omitempty" db:"purchase_id"`
	SyncedAt     time.Time `json:"synced_at" db:"synced_at"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// HasPurchase reports whether a validated order id is recorded.
func (m CampaignGroupSubscriber) HasPurchase() bool { return m.PurchaseID > 0 }

// Key returns the composite identity for logging and de-duplication.
func (m CampaignGroupSubscriber) Key() string {
	return fmt.Sprintf("%s/%s", m.CampaignID, m.SubscriberID)
}
