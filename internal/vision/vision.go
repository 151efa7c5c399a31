// Package vision turns a recipe photograph into structured recipe fields
// using an external vision-inference service.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Transcriber is the boundary to the inference service. Implementations
// must honor the caller's context deadline; retries and backoff around
// the call belong to the worker, not the adapter.
type Transcriber interface {
	Transcribe(ctx context.Context, image []byte) (*Recipe, error)
	Ping(ctx context.Context) error
}

type Ingredient struct {
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Item     string `json:"item"`
}

// Recipe is the normalized outcome of a successful transcription.
type Recipe struct {
	Title        string       `json:"title"`
	Ingredients  []Ingredient `json:"ingredients"`
	Instructions []string     `json:"instructions"`
	PrepTime     FlexString   `json:"prep_time,omitempty"`
	CookTime     FlexString   `json:"cook_time,omitempty"`
	Servings     FlexString   `json:"servings,omitempty"`
	Notes        FlexString   `json:"notes,omitempty"`
}

// Validate rejects output the model produced without the one field every
// recipe needs.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("recipe has no title")
	}
	return nil
}

// FlexString absorbs the shapes models actually emit for free-text
// fields: a string, a bare number, a list of strings, or null.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	switch {
	case string(data) == "null":
		*f = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	case len(data) > 0 && data[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				s = string(item)
			}
			if s != "" {
				parts = append(parts, s)
			}
		}
		*f = FlexString(strings.Join(parts, ", "))
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported value %s", data)
		}
		*f = FlexString(n.String())
		return nil
	}
}
