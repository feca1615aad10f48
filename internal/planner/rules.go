package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
)

// Rule pairs a goal pattern with a plan template. Rules are tried in order and the first match wins.
type Rule struct {
	Name        string
	Description string
	Pattern     *regexp.Regexp
	FanOut      bool
	build       func(m *match) (*Plan, error)
}

const polite = `^(?:please\s+|can you\s+|could you\s+)?`

const defaultScript = "Hello, this is a follow-up about your property. Please call us back at your convenience."

var bulkTail = `\s+(?:all|every)\s+(?:of the\s+|the\s+)?(?P<scope>[a-z][a-z ]*?)?\s*(?:properties|property|listings)(?:\s+in\s+(?P<city>[a-z][a-z ]*))?$`

var whenPattern = regexp.MustCompile(`\b(?P<when>tomorrow|today|tonight|next week|next month|in \d+ (?:days?|weeks?)|on (?:monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`)

var defaultRules = []Rule{
	{
		Name:        "delete_property",
		Description: "delete or remove a property",
		Pattern:     regexp.MustCompile(polite + `(?:delete|remove)\b.*\bpropert(?:y|ies)\b`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			b.onProperty(capability.ActionDeleteProperty, nil, nil)
			return b.plan(), nil
		},
	},
	{
		Name:        "call_owner",
		Description: "phone the owner of a property, optionally with a script",
		Pattern:     regexp.MustCompile(polite + `(?:call|phone|ring|dial)\b.*?\bowner\b.*?(?:\s+(?:and say|saying|to say)\s+(?P<script>.+))?$`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			script := m.text("script")
			if script == "" {
				script = defaultScript
			}
			owner := b.onProperty(capability.ActionGetPropertyOwner, nil, nil)
			b.add(capability.ActionMakePhoneCall,
				map[string]interface{}{"script": script},
				map[string]Ref{"contactId": OutputRef(owner, "contactId")})
			b.onProperty(capability.ActionAddNote, map[string]interface{}{"text": "Called owner: " + script}, nil)
			return b.plan(), nil
		},
	},
	{
		Name:        "send_for_signature",
		Description: "send the property's contract out for signature, attaching missing contracts first",
		Pattern:     regexp.MustCompile(polite + `(?:send|route)\b.*\b(?:for (?:e-?)?signatures?|to sign|for signing)\b`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			ready := b.onProperty(capability.ActionCheckContractReadiness, nil, nil)
			attach := b.onProperty(capability.ActionAttachRequiredContracts, nil, nil)
			b.when(attach, Condition{Step: ready, Field: "missingContracts", Op: WhenNonEmpty})
			b.onProperty(capability.ActionSendContractForSignature, nil, nil)
			return b.plan(), nil
		},
	},
	{
		Name:        "close_deal",
		Description: "close the deal: check readiness, attach missing contracts, recap, next actions",
		Pattern:     regexp.MustCompile(polite + `(?:(?:close|finali[sz]e|wrap up)\b.*\bdeal\b|close out\b)`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			ready := b.onProperty(capability.ActionCheckContractReadiness, nil, nil)
			attach := b.onProperty(capability.ActionAttachRequiredContracts, nil, nil)
			b.when(attach, Condition{Step: ready, Field: "missingContracts", Op: WhenNonEmpty})
			b.onProperty(capability.ActionGenerateRecap, nil, nil)
			b.add(capability.ActionSummarizeNextActions, nil, map[string]Ref{"trace": TraceRef()})
			return b.plan(), nil
		},
	},
	{
		Name:        "new_lead_setup",
		Description: "set up a property as a new lead: enrich, skip trace, contracts, recap, next actions",
		Pattern:     regexp.MustCompile(polite + `(?:set up|setup|onboard|add|create|register)\b.*\bnew lead\b`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			b.onProperty(capability.ActionEnrichProperty, nil, nil)
			b.onProperty(capability.ActionSkipTraceProperty, nil, nil)
			b.onProperty(capability.ActionAttachRequiredContracts, nil, nil)
			b.onProperty(capability.ActionGenerateRecap, nil, nil)
			b.add(capability.ActionSummarizeNextActions, nil, map[string]Ref{"trace": TraceRef()})
			return b.plan(), nil
		},
	},
	{
		Name:        "bulk_enrich",
		Description: "enrich every property matching a filter",
		Pattern:     regexp.MustCompile(polite + `enrich` + bulkTail),
		FanOut:      true,
		build: func(m *match) (*Plan, error) {
			return m.fanOut(capability.ActionEnrichProperty), nil
		},
	},
	{
		Name:        "bulk_skip_trace",
		Description: "skip trace every property matching a filter",
		Pattern:     regexp.MustCompile(polite + `skip[- ]?trace` + bulkTail),
		FanOut:      true,
		build: func(m *match) (*Plan, error) {
			return m.fanOut(capability.ActionSkipTraceProperty), nil
		},
	},
	{
		Name:        "bulk_compliance",
		Description: "run compliance checks on every property matching a filter",
		Pattern:     regexp.MustCompile(polite + `(?:check|run)\s+compliance\s+(?:checks?\s+)?(?:for|on)` + bulkTail),
		FanOut:      true,
		build: func(m *match) (*Plan, error) {
			return m.fanOut(capability.ActionCheckCompliance), nil
		},
	},
	{
		Name:        "ai_contracts",
		Description: "ask for contract suggestions and apply them",
		Pattern:     regexp.MustCompile(`\b(?:suggest|recommend)\w*\b.*\bcontracts?\b|\bai\b.*\bcontracts?\b`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			suggest := b.onProperty(capability.ActionAISuggestContracts, nil, nil)
			apply := b.onProperty(capability.ActionApplyAISuggestions, nil,
				map[string]Ref{"suggestions": OutputRef(suggest, "suggestions")})
			b.when(apply, Condition{Step: suggest, Field: "suggestions", Op: WhenNonEmpty})
			return b.plan(), nil
		},
	},
	{
		Name:        "compliance_check",
		Description: "check compliance of one property",
		Pattern:     regexp.MustCompile(`\bcomplian(?:ce|t)\b`),
		build:       singleStep(capability.ActionCheckCompliance),
	},
	{
		Name:        "readiness_check",
		Description: "report missing contracts for one property",
		Pattern:     regexp.MustCompile(`\b(?:ready|readiness)\b|\bmissing contracts?\b`),
		build:       singleStep(capability.ActionCheckContractReadiness),
	},
	{
		Name:        "enrich",
		Description: "enrich one property",
		Pattern:     regexp.MustCompile(`\benrich\w*\b`),
		build:       singleStep(capability.ActionEnrichProperty),
	},
	{
		Name:        "skip_trace",
		Description: "skip trace one property",
		Pattern:     regexp.MustCompile(`\bskip[- ]?trac\w*\b`),
		build:       singleStep(capability.ActionSkipTraceProperty),
	},
	{
		Name:        "recap",
		Description: "generate a recap for one property",
		Pattern:     regexp.MustCompile(`\brecap\b`),
		build:       singleStep(capability.ActionGenerateRecap),
	},
	{
		Name:        "status_update",
		Description: "move a property to a known pipeline status",
		Pattern:     regexp.MustCompile(polite + `(?:mark|set|update|change|move)\b.*?\b(?:as|to)\s+(?P<status>[a-z][a-z _-]*)$`),
		build: func(m *match) (*Plan, error) {
			raw := m.group("status")
			status, ok := knownStatuses[normalizeStatus(raw)]
			if !ok {
				return nil, fmt.Errorf("unknown property status %q", raw)
			}
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			b.onProperty(capability.ActionUpdatePropertyStatus, map[string]interface{}{"status": status}, nil)
			return b.plan(), nil
		},
	},
	{
		Name:        "add_note",
		Description: "add a note to a property",
		Pattern:     regexp.MustCompile(polite + `(?:add|leave|write|log)\s+(?:a\s+)?note\b.*?(?:\s+(?:saying|that says|that reads)\s+|:\s*)(?P<text>.+)$`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			b.onProperty(capability.ActionAddNote, map[string]interface{}{"text": m.text("text")}, nil)
			return b.plan(), nil
		},
	},
	{
		Name:        "follow_up",
		Description: "schedule a follow-up, tomorrow unless a time is given",
		Pattern:     regexp.MustCompile(`\bfollow[- ]?up\b`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			when := "tomorrow"
			if sm := whenPattern.FindStringSubmatch(m.lowered); sm != nil {
				when = sm[1]
			}
			b.onProperty(capability.ActionScheduleFollowUp, map[string]interface{}{"when": when}, nil)
			return b.plan(), nil
		},
	},
	{
		Name:        "score",
		Description: "score one property",
		Pattern:     regexp.MustCompile(`\b(?:score|rate|rating)\b`),
		build:       singleStep(capability.ActionScoreProperty),
	},
	{
		Name:        "next_actions",
		Description: "summarise the next actions for a property",
		Pattern:     regexp.MustCompile(`\bnext (?:steps?|actions?)\b|\bwhat should (?:i|we) do\b`),
		build: func(m *match) (*Plan, error) {
			b, err := m.startProperty()
			if err != nil {
				return nil, err
			}
			b.onProperty(capability.ActionGetPropertyDetails, nil, nil)
			b.add(capability.ActionSummarizeNextActions, nil, map[string]Ref{"trace": TraceRef()})
			return b.plan(), nil
		},
	},
	{
		Name:        "notify",
		Description: "send a notification to a person or team",
		Pattern:     regexp.MustCompile(polite + `(?:notify|alert|ping|tell)\s+(?:the\s+)?(?P<target>[a-z0-9@._-]+(?:\s+team)?)\s+(?:that|about)\s+(?P<message>.+)$`),
		build: func(m *match) (*Plan, error) {
			b := &builder{}
			b.add(capability.ActionSendNotification, map[string]interface{}{
				"target":  m.group("target"),
				"message": m.text("message"),
			}, nil)
			return b.plan(), nil
		},
	},
}

// Rules returns the ordered rule table. The order is part of the matcher's contract.
func Rules() []Rule {
	return append([]Rule(nil), defaultRules...)
}

// RuleNames returns the rule names in match order.
func RuleNames() []string {
	names := make([]string, 0, len(defaultRules))
	for _, r := range defaultRules {
		names = append(names, r.Name)
	}
	return names
}

func singleStep(action string) func(m *match) (*Plan, error) {
	return func(m *match) (*Plan, error) {
		b, err := m.startProperty()
		if err != nil {
			return nil, err
		}
		b.onProperty(action, nil, nil)
		return b.plan(), nil
	}
}

func normalizeStatus(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
