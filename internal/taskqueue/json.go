package taskqueue

import "encoding/json"

func jsonPayload(m map[string]interface{}) (json.RawMessage, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}
