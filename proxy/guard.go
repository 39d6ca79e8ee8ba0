// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"fmt"
)

// forbiddenFields never appear in an outbound payload, at any depth.
// A bare "code" is not listed: providers return passthrough fields by
// that name, and no response type carries an authorization code under
// it.
var forbiddenFields = map[string]bool{
	"refresh_token":      true,
	"code_verifier":      true,
	"device_code":        true,
	"authorization_code": true,
}

// checkOutbound reports the first forbidden field found in the encoded
// response data.
func checkOutbound(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("outbound payload is not JSON: %w", err)
	}
	return walk(decoded, "data")
}

func walk(value any, path string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			if forbiddenFields[key] {
				return fmt.Errorf("outbound payload carries %s.%s", path, key)
			}
			if err := walk(child, path+"."+key); err != nil {
				return err
			}
		}
	case []any:
		for index, child := range typed {
			if err := walk(child, fmt.Sprintf("%s[%d]", path, index)); err != nil {
				return err
			}
		}
	}
	return nil
}
