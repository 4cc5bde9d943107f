package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPayload reports a payload that does not match the schema for its
// declared event type. Invalid payloads are rejected at append time and
// never written.
var ErrInvalidPayload = errors.New("invalid payload")

// CurrentSchemaVersion is stamped on newly appended events.
const CurrentSchemaVersion = "1.0.0"

// payloadSchemas holds one JSON Schema (draft 2020-12) per event type.
// Validation is strict on required identifiers and permissive on extra
// fields so older readers keep accepting newer payloads.
var payloadSchemas = map[Type]string{
	TypeDealCreated: `{
		"type": "object",
		"required": ["name", "negotiation_mode"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"negotiation_mode": {"enum": ["collaborative", "proposal_based"]}
		}
	}`,
	TypeDealStatusChanged: `{
		"type": "object",
		"required": ["new_status"],
		"properties": {"new_status": {"type": "string", "minLength": 1}}
	}`,
	TypeTermCreated: `{
		"type": "object",
		"required": ["term_id", "label"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"label": {"type": "string", "minLength": 1},
			"current_value_text": {"type": "string"},
			"depends_on": {"type": "array", "items": {"type": "string"}},
			"impacts": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeTermUpdated: `{
		"type": "object",
		"required": ["term_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"label": {"type": "string"},
			"current_value_text": {"type": "string"},
			"depends_on": {"type": "array", "items": {"type": "string"}},
			"impacts": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	TypeTermStatusChanged: `{
		"type": "object",
		"required": ["term_id", "new_status"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"new_status": {"enum": ["not_started", "proposed", "under_discussion", "pending_approval", "agreed", "locked"]}
		}
	}`,
	TypeTermLocked: `{
		"type": "object",
		"required": ["term_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"current_value_text": {"type": "string"}
		}
	}`,
	TypeTermUnlocked: `{
		"type": "object",
		"required": ["term_id"],
		"properties": {"term_id": {"type": "string", "minLength": 1}}
	}`,
	TypeProposalMade: `{
		"type": "object",
		"required": ["term_id", "proposal_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"proposal_id": {"type": "string", "minLength": 1},
			"proposed_value_text": {"type": "string"}
		}
	}`,
	TypeProposalAccepted: `{
		"type": "object",
		"required": ["term_id", "proposal_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"proposal_id": {"type": "string", "minLength": 1},
			"accepted_value_text": {"type": "string"}
		}
	}`,
	TypeProposalRejected: `{
		"type": "object",
		"required": ["term_id", "proposal_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"proposal_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeProposalWithdrawn: `{
		"type": "object",
		"required": ["term_id", "proposal_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"proposal_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeCommentAdded: `{
		"type": "object",
		"required": ["term_id", "comment_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"comment_id": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		}
	}`,
	TypeCommentDeleted: `{
		"type": "object",
		"required": ["term_id", "comment_id"],
		"properties": {
			"term_id": {"type": "string", "minLength": 1},
			"comment_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeParticipantJoined: `{
		"type": "object",
		"required": ["participant_id", "party_name", "party_type"],
		"properties": {
			"participant_id": {"type": "string", "minLength": 1},
			"party_name": {"type": "string", "minLength": 1},
			"party_type": {"type": "string", "minLength": 1},
			"deal_role": {"type": "string"}
		}
	}`,
	TypeParticipantLeft: `{
		"type": "object",
		"required": ["participant_id"],
		"properties": {"participant_id": {"type": "string", "minLength": 1}}
	}`,
	TypeParticipantRoleChanged: `{
		"type": "object",
		"required": ["participant_id", "new_role"],
		"properties": {
			"participant_id": {"type": "string", "minLength": 1},
			"new_role": {"type": "string", "minLength": 1}
		}
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[Type]*jsonschema.Schema
	compileErr      error
)

func compiled() (map[Type]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchemas = make(map[Type]*jsonschema.Schema, len(payloadSchemas))
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		for t, schema := range payloadSchemas {
			url := fmt.Sprintf("https://dealcore.schemas.local/events/%s.schema.json", t)
			if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
				compileErr = fmt.Errorf("schema load failed for %s: %w", t, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("schema compile failed for %s: %w", t, err)
				return
			}
			compiledSchemas[t] = s
		}
	})
	return compiledSchemas, compileErr
}

// ValidatePayload checks raw against the schema registered for t. Types
// without a registered schema fail validation: a producer must never append
// an event type this build cannot describe.
func ValidatePayload(t Type, raw json.RawMessage) error {
	schemas, err := compiled()
	if err != nil {
		return err
	}
	schema, ok := schemas[t]
	if !ok {
		return fmt.Errorf("%w: no schema for event type %q", ErrInvalidPayload, t)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return nil
}

// CheckSchemaVersion gates appends on schema compatibility. Same-major
// versions are accepted; a different major means the payload contract has
// changed incompatibly and the event must be rejected rather than written.
func CheckSchemaVersion(version string) error {
	if version == "" {
		return nil // Producers predating versioning write 1.0.0.
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: malformed schema_version %q: %v", ErrInvalidPayload, version, err)
	}
	current := semver.MustParse(CurrentSchemaVersion)
	if v.Major() != current.Major() {
		return fmt.Errorf("%w: schema_version %s is incompatible with %s", ErrInvalidPayload, version, CurrentSchemaVersion)
	}
	return nil
}
