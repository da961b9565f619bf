package driver

import (
	"encoding/json"
	"fmt"
)

// wrapScript turns a WebDriver-style script body into a self-invoking
// expression for clients that evaluate expressions. Arguments cross into the
// page as JSON, never as concatenated source.
func wrapScript(body string, args []any) (string, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"(function(){var __r=(function(){\n%s\n}).apply(null,%s);return __r===undefined?null:__r;})()",
		body, encoded), nil
}

// wrapAsyncScript is wrapScript for bodies that report through a callback.
// The expression evaluates to a promise.
func wrapAsyncScript(body string, args []any) (string, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"new Promise(function(__resolve){var __args=%s;__args.push(function(v){__resolve(v===undefined?null:v);});(function(){\n%s\n}).apply(null,__args);})",
		encoded, body), nil
}

func encodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("driver: encode script arguments: %w", err)
	}
	return encoded, nil
}

// decodeResult parses a JSON script result.
func decodeResult(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("driver: decode script result: %w", err)
	}
	return v, nil
}
