package capability

import (
	"time"

	"github.com/mohammad-safakhou/voiceplanner/models"
)

// CatalogVersion is bumped whenever an action is added or its contract changes.
const CatalogVersion = "2024.1"

// Action ids of the fixed catalog.
const (
	ActionResolveProperty           = "resolve_property"
	ActionResolvePropertiesByFilter = "resolve_properties_by_filter"
	ActionGetPropertyDetails        = "get_property_details"
	ActionGetPropertyOwner          = "get_property_owner"
	ActionListPropertyContacts      = "list_property_contacts"
	ActionGetCallHistory            = "get_call_history"
	ActionAISuggestContracts        = "ai_suggest_contracts"
	ActionCheckCompliance           = "check_compliance"
	ActionCheckContractReadiness    = "check_contract_readiness"
	ActionScoreProperty             = "score_property"
	ActionSummarizeNextActions      = "summarize_next_actions"

	ActionEnrichProperty          = "enrich_property"
	ActionSkipTraceProperty       = "skip_trace_property"
	ActionAttachRequiredContracts = "attach_required_contracts"
	ActionApplyAISuggestions      = "apply_ai_suggestions"
	ActionGenerateRecap           = "generate_recap"
	ActionSendNotification        = "send_notification"
	ActionUpdatePropertyStatus    = "update_property_status"
	ActionAddNote                 = "add_note"
	ActionCreateContact           = "create_contact"
	ActionLinkContactToProperty   = "link_contact_to_property"
	ActionScheduleFollowUp        = "schedule_follow_up"
	ActionSendEmail               = "send_email"

	ActionMakePhoneCall            = "make_phone_call"
	ActionDeleteProperty           = "delete_property"
	ActionSendContractForSignature = "send_contract_for_signature"
)

var (
	idField     = map[string]interface{}{"type": "string", "minLength": 1}
	textField   = map[string]interface{}{"type": "string", "minLength": 1}
	stringField = map[string]interface{}{"type": "string"}
	boolField   = map[string]interface{}{"type": "boolean"}
	numberField = map[string]interface{}{"type": "number"}
	objectField = map[string]interface{}{"type": "object"}
	listField   = map[string]interface{}{"type": "array"}
	idList      = map[string]interface{}{"type": "array", "items": idField}
)

func input(props map[string]interface{}, required ...string) map[string]interface{} {
	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func output(props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
}

func propertyInput() map[string]interface{} {
	return input(map[string]interface{}{"propertyId": idField}, "propertyId")
}

func touchesProperty() []Touch {
	return []Touch{{Type: models.EntityProperty, Param: "propertyId"}}
}

func read(id, desc string, in, out map[string]interface{}) ActionDefinition {
	return ActionDefinition{
		ID:                  id,
		Version:             "1.0.0",
		Description:         desc,
		InputSchema:         in,
		OutputSchema:        out,
		SideEffect:          SideEffectRead,
		Idempotent:          true,
		MaxRetries:          2,
		RetryableErrorKinds: []ErrorKind{KindTransient},
	}
}

// Only idempotent mutations are retried. A timed out call to any other action may still commit,
// and invoking it again could apply the effect twice.
func mutate(id, desc string, idempotent bool, in, out map[string]interface{}, touches []Touch) ActionDefinition {
	def := ActionDefinition{
		ID:           id,
		Version:      "1.0.0",
		Description:  desc,
		InputSchema:  in,
		OutputSchema: out,
		SideEffect:   SideEffectMutate,
		Idempotent:   idempotent,
		Touches:      touches,
	}
	if idempotent {
		def.MaxRetries = 2
		def.RetryableErrorKinds = []ErrorKind{KindTransient}
	}
	return def
}

// Destructive actions are never retried: a lost response may still have reached the outside world.
func destructive(id, desc string, in, out map[string]interface{}, touches []Touch) ActionDefinition {
	return ActionDefinition{
		ID:           id,
		Version:      "1.0.0",
		Description:  desc,
		InputSchema:  in,
		OutputSchema: out,
		SideEffect:   SideEffectDestructive,
		MaxRetries:   0,
		Touches:      touches,
	}
}

// Catalog returns the fixed action catalog in a stable order.
func Catalog() []ActionDefinition {
	call := destructive(ActionMakePhoneCall, "Place an outbound phone call to a contact with a script",
		input(map[string]interface{}{"contactId": idField, "script": textField}, "contactId", "script"),
		output(map[string]interface{}{"callId": stringField, "status": stringField}),
		[]Touch{{Type: models.EntityContact, Param: "contactId"}})
	call.Timeout = 45 * time.Second

	filter := read(ActionResolvePropertiesByFilter, "Resolve the set of properties matching a filter",
		input(map[string]interface{}{"filter": objectField}, "filter"),
		output(map[string]interface{}{"propertyIds": idList}))
	filter.Timeout = 20 * time.Second

	return []ActionDefinition{
		read(ActionResolveProperty, "Resolve a property by id or address",
			input(map[string]interface{}{"identifier": textField}, "identifier"),
			output(map[string]interface{}{"propertyId": stringField, "address": stringField})),
		filter,
		read(ActionGetPropertyDetails, "Fetch the stored details of a property",
			propertyInput(), output(map[string]interface{}{"propertyId": stringField, "status": stringField})),
		read(ActionGetPropertyOwner, "Fetch the owner contact of a property",
			propertyInput(), output(map[string]interface{}{"contactId": stringField, "name": stringField, "phone": stringField})),
		read(ActionListPropertyContacts, "List contacts linked to a property",
			propertyInput(), output(map[string]interface{}{"contacts": listField})),
		read(ActionGetCallHistory, "List past calls for a property",
			propertyInput(), output(map[string]interface{}{"calls": listField})),
		read(ActionAISuggestContracts, "Suggest contracts a property is likely to need",
			propertyInput(), output(map[string]interface{}{"suggestions": listField})),
		read(ActionCheckCompliance, "Run compliance checks for a property",
			propertyInput(), output(map[string]interface{}{"compliant": boolField, "issues": listField})),
		read(ActionCheckContractReadiness, "Report which required contracts are missing for a property",
			propertyInput(), output(map[string]interface{}{"ready": boolField, "missingContracts": listField})),
		read(ActionScoreProperty, "Compute the lead score of a property",
			propertyInput(), output(map[string]interface{}{"score": numberField})),
		read(ActionSummarizeNextActions, "Summarise recommended next actions from an execution trace",
			input(map[string]interface{}{"trace": objectField}, "trace"),
			output(map[string]interface{}{"summary": stringField, "actions": listField})),

		mutate(ActionEnrichProperty, "Enrich a property with public record data", true,
			propertyInput(), output(map[string]interface{}{"propertyId": stringField, "fields": objectField}), touchesProperty()),
		mutate(ActionSkipTraceProperty, "Skip trace the owners of a property", true,
			propertyInput(), output(map[string]interface{}{"contacts": listField}), touchesProperty()),
		mutate(ActionAttachRequiredContracts, "Attach the contracts a property requires", false,
			propertyInput(), output(map[string]interface{}{"contracts": listField}), touchesProperty()),
		mutate(ActionApplyAISuggestions, "Create contracts from accepted suggestions", false,
			input(map[string]interface{}{"propertyId": idField, "suggestions": listField}, "propertyId", "suggestions"),
			output(map[string]interface{}{"contracts": listField}), touchesProperty()),
		mutate(ActionGenerateRecap, "Generate and store a recap for a property", false,
			propertyInput(), output(map[string]interface{}{"recap": stringField}), touchesProperty()),
		mutate(ActionSendNotification, "Send an in-app notification", false,
			input(map[string]interface{}{"target": textField, "message": textField}, "target", "message"),
			output(map[string]interface{}{"notificationId": stringField}), nil),
		mutate(ActionUpdatePropertyStatus, "Set the pipeline status of a property", true,
			input(map[string]interface{}{"propertyId": idField, "status": textField}, "propertyId", "status"),
			output(map[string]interface{}{}), touchesProperty()),
		mutate(ActionAddNote, "Add a note to a property", false,
			input(map[string]interface{}{"propertyId": idField, "text": textField}, "propertyId", "text"),
			output(map[string]interface{}{"noteId": stringField}), touchesProperty()),
		mutate(ActionCreateContact, "Create a contact attached to a property", false,
			input(map[string]interface{}{"propertyId": idField, "name": textField, "phone": stringField, "email": stringField, "role": stringField}, "propertyId", "name"),
			output(map[string]interface{}{"contactId": stringField}), touchesProperty()),
		mutate(ActionLinkContactToProperty, "Link an existing contact to a property", true,
			input(map[string]interface{}{"contactId": idField, "propertyId": idField, "role": stringField}, "contactId", "propertyId"),
			output(map[string]interface{}{}),
			[]Touch{{Type: models.EntityContact, Param: "contactId"}, {Type: models.EntityProperty, Param: "propertyId"}}),
		mutate(ActionScheduleFollowUp, "Schedule a follow-up task for a property", false,
			input(map[string]interface{}{"propertyId": idField, "when": textField, "note": stringField}, "propertyId", "when"),
			output(map[string]interface{}{"followUpId": stringField}), touchesProperty()),
		mutate(ActionSendEmail, "Send an email to a contact", false,
			input(map[string]interface{}{"contactId": idField, "subject": textField, "body": textField}, "contactId", "subject", "body"),
			output(map[string]interface{}{"emailId": stringField}),
			[]Touch{{Type: models.EntityContact, Param: "contactId"}}),

		call,
		destructive(ActionDeleteProperty, "Delete a property and its local records",
			propertyInput(), output(map[string]interface{}{}), touchesProperty()),
		destructive(ActionSendContractForSignature, "Send the property's contract out for e-signature",
			input(map[string]interface{}{"propertyId": idField, "contractId": stringField}, "propertyId"),
			output(map[string]interface{}{"envelopeId": stringField}), touchesProperty()),
	}
}
