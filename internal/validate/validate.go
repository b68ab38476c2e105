// Package validate holds the input checks shared by the sync pipeline and
// the API surface. Validators report Issues rather than failing fast so a
// sweep can show an operator everything wrong at once.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one finding from a validator.
type Issue struct {
	Severity string `json:"severity"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

// Issues is a collection of findings.
type Issues []Issue

// HasErrors reports whether any issue is severity error.
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (is Issues) errorf(field, format string, args ...interface{}) Issues {
	return append(is, Issue{Severity: SeverityError, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (is Issues) warnf(field, format string, args ...interface{}) Issues {
	return append(is, Issue{Severity: SeverityWarning, Field: field, Message: fmt.Sprintf(format, args...)})
}

// campaignNamePattern matches YEAR_ARTIST_ALBUM, e.g. 2024_ACME_MOONRISE.
// Artist and album segments are upper-case alphanumeric; multi-word values
// are collapsed before a name is built, never joined with extra underscores.
var campaignNamePattern = regexp.MustCompile(`^([0-9]{4})_([A-Z0-9]+)_([A-Z0-9]+)$`)

// Email checks structural validity of an email address. It is deliberately
// loose: the list provider is the authority on deliverability, we only want
// to reject values that cannot be an address at all.
func Email(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.E(domain.KindValidation, "validate.Email", fmt.Errorf("email is empty"))
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return domain.E(domain.KindValidation, "validate.Email", fmt.Errorf("malformed email %q", email))
	}
	dom := email[at+1:]
	if !strings.Contains(dom, ".") || strings.ContainsAny(email, " \t\r\n") {
		return domain.E(domain.KindValidation, "validate.Email", fmt.Errorf("malformed email %q", email))
	}
	return nil
}

// CampaignName checks that a campaign name follows the YEAR_ARTIST_ALBUM
// convention.
func CampaignName(name string) error {
	if !campaignNamePattern.MatchString(name) {
		return domain.E(domain.KindValidation, "validate.CampaignName",
			fmt.Errorf("campaign name %q does not match YEAR_ARTIST_ALBUM", name))
	}
	return nil
}

// ParseCampaignName splits a campaign name into its year, artist and album
// segments.
func ParseCampaignName(name string) (year int, artist, album string, err error) {
	m := campaignNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", "", domain.E(domain.KindValidation, "validate.ParseCampaignName",
			fmt.Errorf("campaign name %q does not match YEAR_ARTIST_ALBUM", name))
	}
	year, _ = strconv.Atoi(m[1])
	return year, m[2], m[3], nil
}

// PurchaseID parses a raw purchase field value. Empty means no purchase and
// is not an error. Anything else must be a positive integer order id.
func PurchaseID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.E(domain.KindValidation, "validate.PurchaseID",
			fmt.Errorf("purchase id %q is not a positive integer", raw))
	}
	return id, nil
}

// Tier checks that a tier belongs to the configured tier set.
func Tier(tier string, order []string) error {
	for _, t := range order {
		if strings.EqualFold(t, tier) {
			return nil
		}
	}
	return domain.E(domain.KindValidation, "validate.Tier",
		fmt.Errorf("tier %q is not in the configured tier set", tier))
}

// Subscriber checks the fields of a provider subscriber before it is
// persisted. Unknown statuses are warnings: the provider may add states we
// have not seen, and we store them verbatim rather than dropping the row.
func Subscriber(sub *domain.Subscriber) Issues {
	var is Issues
	if sub.ID == "" {
		is = is.errorf("id", "subscriber has no id")
	}
	if err := Email(sub.Email); err != nil {
		is = is.errorf("email", "%v", err)
	}
	if sub.Status != "" && !domain.ValidSubscriberStatus(sub.Status) {
		is = is.warnf("status", "unrecognised status %q", sub.Status)
	}
	return is
}

// TransitionRequest checks a source/destination campaign pair.
func TransitionRequest(source, destination string) Issues {
	var is Issues
	if err := CampaignName(source); err != nil {
		is = is.errorf("source_campaign", "%v", err)
	}
	if err := CampaignName(destination); err != nil {
		is = is.errorf("destination_campaign", "%v", err)
	}
	if source != "" && strings.EqualFold(source, destination) {
		is = is.errorf("destination_campaign", "source and destination are the same campaign")
	}
	return is
}

// CampaignGroups cross-checks one campaign's groups against the configured
// tier set: every tier should have a group, every group name should parse
// to a known tier. Missing groups are warnings because the sync creates
// them on the next run.
func CampaignGroups(campaign domain.Campaign, groups []domain.Group, tiers []string) Issues {
	var is Issues

	present := make(map[string]bool, len(groups))
	for _, g := range groups {
		tier, ok := domain.TierFromGroupName(g.GroupName, campaign.Name)
		if !ok {
			is = is.warnf(g.GroupName, "group does not belong to campaign %s", campaign.Name)
			continue
		}
		if err := Tier(tier, tiers); err != nil {
			is = is.errorf(g.GroupName, "group tier %q is not in the configured tier set", tier)
			continue
		}
		present[strings.ToUpper(tier)] = true
	}

	for _, t := range tiers {
		if !present[strings.ToUpper(t)] {
			is = is.warnf(campaign.GroupName(t), "campaign %s has no group for tier %s", campaign.Name, t)
		}
	}
	return is
}
