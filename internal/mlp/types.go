package mlp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// Config holds MLP API configuration.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxRetries  int
	MinInterval time.Duration
	CacheTTL    time.Duration
	VerifyPolls int
	VerifyDelay time.Duration
}

// envelope is the provider's response wrapper: payload under "data", cursor
// pagination under "meta".
type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta *pageMeta       `json:"meta,omitempty"`
}

type pageMeta struct {
	NextCursor string `json:"next_cursor,omitempty"`
	Total      int    `json:"total,omitempty"`
}

// CampaignRef is the provider's handle for a campaign, returned when listing
// campaigns or creating a draft.
type CampaignRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// wireGroup is a group as the provider returns it.
type wireGroup struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func (g wireGroup) toDomain() domain.Group {
	return domain.Group{
		ID:        g.ID,
		GroupName: strings.ToUpper(strings.TrimSpace(g.Name)),
		CreatedAt: parseTime(g.CreatedAt),
		UpdatedAt: parseTime(g.UpdatedAt),
	}
}

// wireField is a custom field as the provider returns it.
type wireField struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
	Type string `json:"type,omitempty"`
}

func (f wireField) toDomain() domain.Field {
	return domain.Field{
		ID:        f.ID,
		FieldName: strings.ToUpper(strings.TrimSpace(f.Name)),
	}
}

// wireSubscriber is a list member as the provider returns it. Custom field
// values arrive as mixed JSON types and are stringified on conversion.
type wireSubscriber struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Status       string                 `json:"status"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	SubscribedAt string                 `json:"subscribed_at,omitempty"`
	CreatedAt    string                 `json:"created_at,omitempty"`
	UpdatedAt    string                 `json:"updated_at,omitempty"`
}

func (s wireSubscriber) toDomain() domain.Subscriber {
	sub := domain.Subscriber{
		ID:        s.ID,
		Email:     domain.NormalizeEmail(s.Email),
		Status:    domain.SubscriberStatus(strings.ToLower(s.Status)),
		CreatedAt: parseTime(s.CreatedAt),
		UpdatedAt: parseTime(s.UpdatedAt),
	}
	if s.SubscribedAt != "" {
		t := parseTime(s.SubscribedAt)
		if !t.IsZero() {
			sub.SubscribedAt = &t
		}
	}
	if len(s.Fields) > 0 {
		sub.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			val := stringifyField(v)
			if val == "" {
				continue
			}
			sub.Fields[strings.ToLower(k)] = val
		}
		sub.FirstName = firstNonEmpty(sub.Fields["first_name"], sub.Fields["name"])
		sub.LastName = sub.Fields["last_name"]
		sub.DisplayName = strings.TrimSpace(sub.FirstName + " " + sub.LastName)
	}
	return sub
}

// stringifyField renders a mixed-type custom field value as a string. Whole
// numbers lose the trailing ".0" the JSON decoder would otherwise give them,
// which matters for purchase fields holding order ids.
func stringifyField(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTime parses the provider's timestamp formats, zero time on failure.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
