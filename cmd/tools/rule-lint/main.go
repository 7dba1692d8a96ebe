// cmd/tools/rule-lint/main.go
//
// rule-lint validates notification rule documents before they are loaded
// into the database. It catches malformed policy documents (no variant,
// mixed variants, unknown fields) and template specs the renderer would
// reject at run time.
//
//	rule-lint -policy policy.json -template template.json
package main

import (
	"flag"
	"fmt"
	"os"

	"booking-notifier/internal/models"
	"booking-notifier/internal/store/rulestore"
)

func main() {
	policyPath := flag.String("policy", "", "Path to a scheduling policy JSON document")
	templatePath := flag.String("template", "", "Path to a template spec JSON document")
	flag.Parse()

	if *policyPath == "" && *templatePath == "" {
		fmt.Println("Error: at least one of -policy or -template is required.")
		flag.Usage()
		os.Exit(1)
	}

	failed := false

	if *policyPath != "" {
		doc, err := os.ReadFile(*policyPath)
		if err != nil {
			fmt.Printf("Error reading policy file: %v\n", err)
			os.Exit(1)
		}
		policy, err := rulestore.ParsePolicyDocument(doc)
		if err != nil {
			fmt.Printf("Policy validation failed: %v\n", err)
			failed = true
		} else {
			fmt.Printf("Policy OK: %s\n", variantName(policy))
		}
	}

	if *templatePath != "" {
		doc, err := os.ReadFile(*templatePath)
		if err != nil {
			fmt.Printf("Error reading template file: %v\n", err)
			os.Exit(1)
		}
		if err := rulestore.ValidateTemplateDocument(doc); err != nil {
			fmt.Printf("Template validation failed: %v\n", err)
			failed = true
		} else {
			fmt.Println("Template OK.")
		}
	}

	if failed {
		os.Exit(1)
	}
}

func variantName(policy models.SchedulingPolicy) string {
	switch {
	case policy.FixedTimeDayBefore != nil:
		return fmt.Sprintf("fixedTimeDayBefore (daysBefore=%d, sendAt=%s)",
			policy.FixedTimeDayBefore.DaysBefore, policy.FixedTimeDayBefore.SendAt)
	case policy.FixedOffsetBeforeStart != nil:
		return fmt.Sprintf("fixedOffsetBeforeStart (hoursBefore=%g, toleranceMinutes=%d)",
			policy.FixedOffsetBeforeStart.HoursBefore, policy.FixedOffsetBeforeStart.ToleranceMinutes)
	case policy.DailyDigest != nil:
		return fmt.Sprintf("dailyDigest (sendAt=%s, daysOfWeek=%v)",
			policy.DailyDigest.SendAt, policy.DailyDigest.DaysOfWeek)
	default:
		return "unknown"
	}
}
