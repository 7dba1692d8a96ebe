// internal/store/rulestore/store.go
package rulestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"booking-notifier/internal/common/logger"
	"booking-notifier/internal/engine/renderer"
	"booking-notifier/internal/models"

	"github.com/lib/pq"
	"github.com/xeipuuv/gojsonschema"
)

// Store reads per-tenant notification rule configuration. Read-only from the
// engine's perspective.
type Store struct {
	db     *sql.DB
	logger logger.Logger
}

func New(db *sql.DB, log logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "rulestore"}),
	}
}

// ListActive returns all active rules that passed validation, plus one
// ConfigError per rule that did not. A malformed rule never fails the load.
func (s *Store) ListActive(ctx context.Context) ([]models.NotificationRule, []models.ConfigError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, active, recipient_role, status_filter, dedupe_key, policy, template
		FROM notification_rules
		WHERE active = TRUE
		ORDER BY tenant_id, id`)
	if err != nil {
		return nil, nil, fmt.Errorf("query notification rules: %w", err)
	}
	defer rows.Close()

	var (
		rules      []models.NotificationRule
		configErrs []models.ConfigError
	)
	for rows.Next() {
		var (
			rule         models.NotificationRule
			statusFilter []string
			policyDoc    []byte
			templateDoc  []byte
		)
		err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Kind, &rule.Active, &rule.RecipientRole,
			pq.Array(&statusFilter), &rule.DedupeKey, &policyDoc, &templateDoc,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("scan notification rule: %w", err)
		}

		for _, st := range statusFilter {
			rule.StatusFilter = append(rule.StatusFilter, models.BookingStatus(st))
		}

		if err := s.parseRule(&rule, policyDoc, templateDoc); err != nil {
			s.logger.Warn("skipping malformed rule", map[string]interface{}{
				"ruleId": rule.ID,
				"reason": err.Error(),
			})
			configErrs = append(configErrs, models.ConfigError{RuleID: rule.ID, Reason: err.Error()})
			continue
		}

		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate notification rules: %w", err)
	}

	return rules, configErrs, nil
}

func (s *Store) parseRule(rule *models.NotificationRule, policyDoc, templateDoc []byte) error {
	policy, err := parsePolicy(policyDoc)
	if err != nil {
		return err
	}
	rule.Policy = policy

	if err := json.Unmarshal(templateDoc, &rule.Template); err != nil {
		return fmt.Errorf("template document: %v", err)
	}
	if err := validateTemplate(rule.Template); err != nil {
		return err
	}

	switch rule.RecipientRole {
	case models.RoleCustomer, models.RoleAgent:
	default:
		return fmt.Errorf("unknown recipient role %q", rule.RecipientRole)
	}

	if rule.DedupeKey == "" {
		return fmt.Errorf("dedupe key is empty")
	}

	if rule.Policy.DailyDigest != nil && rule.RecipientRole != models.RoleAgent {
		return fmt.Errorf("daily digest rules must target agents")
	}

	return nil
}

// ParsePolicyDocument validates a raw policy document and maps it to exactly
// one scheduling variant. Exposed for operational tooling that lints rule
// documents before they reach the database.
func ParsePolicyDocument(doc []byte) (models.SchedulingPolicy, error) {
	return parsePolicy(doc)
}

// ValidateTemplateDocument checks a raw template document for structural
// problems the renderer would reject at run time.
func ValidateTemplateDocument(doc []byte) error {
	var spec models.TemplateSpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return fmt.Errorf("template document: %v", err)
	}
	return validateTemplate(spec)
}

// parsePolicy validates the schema-less policy document against the closed
// tagged-union schema and maps it to exactly one variant.
func parsePolicy(doc []byte) (models.SchedulingPolicy, error) {
	var policy models.SchedulingPolicy

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(policySchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return policy, fmt.Errorf("policy document: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return policy, fmt.Errorf("policy document does not match exactly one scheduling variant: %s", strings.Join(msgs, "; "))
	}

	var flat struct {
		DaysBefore       *int     `json:"daysBefore"`
		HoursBefore      *float64 `json:"hoursBefore"`
		ToleranceMinutes *int     `json:"toleranceMinutes"`
		SendAt           *string  `json:"sendAt"`
		DaysOfWeek       []int    `json:"daysOfWeek"`
	}
	if err := json.Unmarshal(doc, &flat); err != nil {
		return policy, fmt.Errorf("policy document: %v", err)
	}

	switch {
	case flat.HoursBefore != nil:
		policy.FixedOffsetBeforeStart = &models.FixedOffsetBeforeStart{
			HoursBefore:      *flat.HoursBefore,
			ToleranceMinutes: *flat.ToleranceMinutes,
		}
	case flat.DaysBefore != nil:
		sendAt, err := models.ParseLocalTime(*flat.SendAt)
		if err != nil {
			return policy, fmt.Errorf("policy sendAt: %v", err)
		}
		policy.FixedTimeDayBefore = &models.FixedTimeDayBefore{
			DaysBefore: *flat.DaysBefore,
			SendAt:     sendAt,
		}
	default:
		sendAt, err := models.ParseLocalTime(*flat.SendAt)
		if err != nil {
			return policy, fmt.Errorf("policy sendAt: %v", err)
		}
		policy.DailyDigest = &models.DailyDigest{
			SendAt:     sendAt,
			DaysOfWeek: flat.DaysOfWeek,
		}
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

func validateTemplate(spec models.TemplateSpec) error {
	if spec.TemplateName == "" {
		return fmt.Errorf("template name is empty")
	}
	if spec.LanguageCode == "" {
		return fmt.Errorf("template language code is empty")
	}
	for i, binding := range spec.Parameters {
		if binding.Name == "" {
			return fmt.Errorf("template parameter %d has no name", i)
		}
		if binding.Path == "" {
			return fmt.Errorf("template parameter %q has no path", binding.Name)
		}
		switch binding.Origin {
		case models.OriginTenantField, models.OriginRecipientField:
		case models.OriginComputed:
			// Caught at load time so a typo'd formula surfaces as a config
			// error instead of failing every render.
			if !knownFormula(binding.Path) {
				return fmt.Errorf("template parameter %q references unregistered formula %q", binding.Name, binding.Path)
			}
		default:
			return fmt.Errorf("template parameter %q has unknown origin %q", binding.Name, binding.Origin)
		}
	}
	return nil
}

func knownFormula(name string) bool {
	for _, registered := range renderer.RegisteredFormulas() {
		if registered == name {
			return true
		}
	}
	return false
}
