// Package learning reconciles each tenant's knowledge store against recent
// conversation transcripts via a structured action protocol.
package learning

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action kinds.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// flexID tolerates models returning ids as numbers or strings.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	*f = flexID(n)
	return nil
}

// Action is one reconciliation step against the knowledge store.
type Action struct {
	Kind     string `json:"action"`
	ID       flexID `json:"id,omitempty"`
	Category string `json:"category,omitempty"`
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// Validate reports whether the action carries the required fields for its
// kind.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionAdd:
		if strings.TrimSpace(a.Question) == "" || strings.TrimSpace(a.Answer) == "" {
			return fmt.Errorf("add requires question and answer")
		}
	case ActionUpdate:
		if a.ID == 0 {
			return fmt.Errorf("update requires id")
		}
		if strings.TrimSpace(a.Question) == "" && strings.TrimSpace(a.Answer) == "" && strings.TrimSpace(a.Category) == "" {
			return fmt.Errorf("update requires at least one field")
		}
	case ActionDelete:
		if a.ID == 0 {
			return fmt.Errorf("delete requires id")
		}
	default:
		return fmt.Errorf("unsupported action: %s", a.Kind)
	}
	return nil
}

// wrapperKeys are the object field names models have been observed to wrap
// the action list under.
var wrapperKeys = []string{"actions", "items", "results", "data"}

// ParseActions defensively parses the model output: a bare JSON array, or an
// object wrapping the array under a plausible field name. Anything else is a
// parse failure.
func ParseActions(raw string) ([]Action, error) {
	txt := strings.TrimSpace(raw)
	txt = strings.TrimPrefix(txt, "```json")
	txt = strings.TrimPrefix(txt, "```")
	txt = strings.TrimSuffix(txt, "```")
	txt = strings.TrimSpace(txt)

	if list, ok := decodeActionList([]byte(txt)); ok {
		return list, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(txt), &wrapper); err != nil {
		return nil, fmt.Errorf("response is neither a list nor an object")
	}
	for _, key := range wrapperKeys {
		rawList, ok := wrapper[key]
		if !ok {
			continue
		}
		if list, ok := decodeActionList(rawList); ok {
			return list, nil
		}
	}
	return nil, fmt.Errorf("no action list found in response")
}

// decodeActionList decodes element by element so one undecodable entry (a
// bad id, a stray non-object) is skipped instead of discarding the rest.
func decodeActionList(raw []byte) ([]Action, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	out := make([]Action, 0, len(elems))
	for _, e := range elems {
		var a Action
		if err := json.Unmarshal(e, &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, true
}
