/*
mapping.go - Inbound edit payload normalization

PURPOSE:
  Older clients send reservation edits with the booking form's Spanish
  field names and loosely typed values. This is the only place those
  shapes are understood; everything past DecodeEditRequest sees canonical
  rental.Field values.

ACCEPTED KEYS (canonical / legacy):
  vehicle_id        vehiculo_id        string or integer id
  pickup            fecha_recogida     instant string
  dropoff           fecha_devolucion   instant string
  pickup_location   lugar_recogida     string or integer id
  dropoff_location  lugar_devolucion   string or integer id
  policy_id         politica_pago_id   string or integer id
  extras            extras             [{extra_id|id, quantity|cantidad}]
                                       or {"<extra id>": quantity}

  Unknown keys, a field given under both names, and values of the wrong
  JSON type are rejected with INVALID_FIELD.

SEE ALSO:
  - handlers.go: PatchEdit
  - rental/session.go: EditService.SetField
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

// FieldChange is one normalized edit.
type FieldChange struct {
	Field rental.Field
	Value any // string for ids and instants, []rental.SelectedExtra for extras
}

var fieldAliases = map[string]rental.Field{
	"vehicle_id":       rental.FieldVehicle,
	"vehiculo_id":      rental.FieldVehicle,
	"pickup":           rental.FieldPickup,
	"fecha_recogida":   rental.FieldPickup,
	"dropoff":          rental.FieldDropoff,
	"fecha_devolucion": rental.FieldDropoff,
	"pickup_location":  rental.FieldPickupLocation,
	"lugar_recogida":   rental.FieldPickupLocation,
	"dropoff_location": rental.FieldDropoffLocation,
	"lugar_devolucion": rental.FieldDropoffLocation,
	"policy_id":        rental.FieldPolicy,
	"politica_pago_id": rental.FieldPolicy,
	"extras":           rental.FieldExtras,
}

// Application order of the changes.
var fieldOrder = []rental.Field{
	rental.FieldVehicle,
	rental.FieldPickupLocation,
	rental.FieldDropoffLocation,
	rental.FieldPickup,
	rental.FieldDropoff,
	rental.FieldExtras,
	rental.FieldPolicy,
}

// DecodeEditRequest normalizes a PATCH body into field changes.
func DecodeEditRequest(body []byte) ([]FieldChange, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, &generic.InvalidFieldError{Field: "body", Reason: "expected a JSON object"}
	}

	byField := make(map[rental.Field]FieldChange, len(raw))
	keyFor := make(map[rental.Field]string, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		field, ok := fieldAliases[key]
		if !ok {
			return nil, &generic.InvalidFieldError{Field: key, Reason: "unknown field"}
		}
		if prev, dup := keyFor[field]; dup {
			return nil, &generic.InvalidFieldError{Field: key, Reason: fmt.Sprintf("duplicates %s", prev)}
		}
		value, err := decodeValue(field, key, raw[key])
		if err != nil {
			return nil, err
		}
		keyFor[field] = key
		byField[field] = FieldChange{Field: field, Value: value}
	}

	if len(byField) == 0 {
		return nil, &generic.MissingFieldError{Field: "changes"}
	}
	changes := make([]FieldChange, 0, len(byField))
	for _, f := range fieldOrder {
		if c, ok := byField[f]; ok {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

func decodeValue(field rental.Field, key string, raw json.RawMessage) (any, error) {
	switch field {
	case rental.FieldExtras:
		return decodeExtras(key, raw)
	case rental.FieldPickup, rental.FieldDropoff:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, &generic.InvalidFieldError{Field: key, Reason: "expected an instant string"}
		}
		return s, nil
	default:
		return decodeID(key, raw)
	}
}

// decodeID accepts "v-suv", 12 or "12". Null clears the field.
func decodeID(key string, raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", &generic.MissingFieldError{Field: key}
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", &generic.InvalidFieldError{Field: key, Reason: "malformed value"}
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return "", &generic.InvalidFieldError{Field: key, Reason: "id must be an integer"}
		}
		return t.String(), nil
	default:
		return "", &generic.InvalidFieldError{Field: key, Reason: "expected a string or integer id"}
	}
}

type extraItem struct {
	ExtraID  json.RawMessage `json:"extra_id"`
	ID       json.RawMessage `json:"id"`
	Quantity *int            `json:"quantity"`
	Cantidad *int            `json:"cantidad"`
}

func decodeExtras(key string, raw json.RawMessage) ([]rental.SelectedExtra, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []rental.SelectedExtra{}, nil
	}

	switch trimmed[0] {
	case '{':
		var m map[string]int
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, &generic.InvalidFieldError{Field: key, Reason: "expected {extra id: quantity}"}
		}
		out := make([]rental.SelectedExtra, 0, len(m))
		for id, qty := range m {
			out = append(out, rental.SelectedExtra{ExtraID: id, Quantity: qty})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ExtraID < out[j].ExtraID })
		return out, nil

	case '[':
		var items []extraItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &generic.InvalidFieldError{Field: key, Reason: "expected a list of extras"}
		}
		out := make([]rental.SelectedExtra, 0, len(items))
		for i, item := range items {
			idRaw := item.ExtraID
			if len(idRaw) == 0 {
				idRaw = item.ID
			}
			id, err := decodeID(fmt.Sprintf("%s[%d].extra_id", key, i), idRaw)
			if err != nil {
				return nil, err
			}
			qty := 1
			switch {
			case item.Quantity != nil:
				qty = *item.Quantity
			case item.Cantidad != nil:
				qty = *item.Cantidad
			}
			out = append(out, rental.SelectedExtra{ExtraID: id, Quantity: qty})
		}
		return out, nil
	}
	return nil, &generic.InvalidFieldError{Field: key, Reason: "expected a list or an object"}
}
