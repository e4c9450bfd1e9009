package quota

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// decodeState parses a persisted document. It never fails: anything that is
// not a JSON object yields an empty state, and records that are not
// {"timestamp": number, "tokens": non-negative integer} are skipped.
func decodeState(data []byte) State {
	state := State{}
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return state
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return state
	}
	root.ForEach(func(model, entries gjson.Result) bool {
		if !entries.IsArray() {
			return true
		}
		history := History{}
		for _, e := range entries.Array() {
			ts, tokens := e.Get("timestamp"), e.Get("tokens")
			if ts.Type != gjson.Number || tokens.Type != gjson.Number || tokens.Int() < 0 {
				continue
			}
			history = append(history, UsageRecord{Timestamp: ts.Float(), Tokens: int(tokens.Int())})
		}
		state[model.String()] = history
		return true
	})
	return state
}

func encodeState(state State) ([]byte, error) {
	if state == nil {
		state = State{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode quota state: %w", err)
	}
	return data, nil
}
