package domain

import "encoding/json"

// JSONB is a free-form JSON object, used for task submission data.
type JSONB map[string]interface{}

// String returns the value at key when it is a string.
func (j JSONB) String(key string) (string, bool) {
	if j == nil {
		return "", false
	}
	v, ok := j[key].(string)
	return v, ok
}

// Clone deep-copies j through a JSON round trip; values are JSON-shaped.
// A map that does not survive the round trip is copied one level deep.
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	raw, err := json.Marshal(j)
	if err == nil {
		var out JSONB
		if err = json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return j.shallowCopy()
}

func (j JSONB) shallowCopy() JSONB {
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}
