package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RawEntity carries an entity of a type without a dedicated variant. Fields
// are kept as decoded JSON so the payload round-trips unchanged.
type RawEntity struct {
	Kind   EntityType
	Fields map[string]any
}

func (r *RawEntity) Type() EntityType { return r.Kind }

func (r *RawEntity) EntityID() string {
	id, _ := r.Fields["id"].(string)
	return id
}

func (r *RawEntity) Owner() string {
	owner, _ := r.Fields["userId"].(string)
	return owner
}

func (r *RawEntity) Modified() int64 {
	switch v := r.Fields["lastModified"].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := strconv.ParseFloat(string(v), 64)
			return int64(f)
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func (r *RawEntity) SetModified(ms int64) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields["lastModified"] = json.Number(strconv.FormatInt(ms, 10))
}

// Validate checks required fields.
func (r *RawEntity) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("entity type is required")
	}
	if r.EntityID() == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// MarshalJSON writes the fields as a flat object.
func (r *RawEntity) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// UnmarshalJSON keeps numbers as json.Number so large ids and timestamps
// survive the round trip.
func (r *RawEntity) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	fields := make(map[string]any)
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	r.Fields = fields
	return nil
}
