// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCheckOutbound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		data    string
		blocked string
	}{
		{"empty", ``, ""},
		{"sanitized token", `{"access_token":"a","expiry":5,"account_id":"x"}`, ""},
		{"session result", `{"sessionId":"s","flowType":"device_code","userCode":"ABCD"}`, ""},
		{"list", `["acme","globex"]`, ""},
		{"refresh token", `{"access_token":"a","refresh_token":"r"}`, "data.refresh_token"},
		{"nested verifier", `{"status":"complete","token":{"code_verifier":"v"}}`, "data.token.code_verifier"},
		{"passthrough code", `{"access_token":"a","code":"tenant-7"}`, ""},
		{"polled token with code", `{"status":"complete","token":{"access_token":"a","code":"c"}}`, ""},
		{"verifier in list", `[{"name":"a"},{"code_verifier":"v"}]`, "data[1].code_verifier"},
		{"device code", `{"device_code":"d"}`, "data.device_code"},
		{"authorization code", `{"x":{"y":{"authorization_code":"z"}}}`, "data.x.y.authorization_code"},
	}
	for _, test := range tests {
		err := checkOutbound(json.RawMessage(test.data))
		switch {
		case test.blocked == "" && err != nil:
			t.Errorf("%s: unexpected block: %v", test.name, err)
		case test.blocked != "" && err == nil:
			t.Errorf("%s: %s not blocked", test.name, test.blocked)
		case test.blocked != "" && !strings.Contains(err.Error(), test.blocked):
			t.Errorf("%s: error %q does not name %s", test.name, err, test.blocked)
		}
	}
}

func TestCheckOutboundRejectsNonJSON(t *testing.T) {
	t.Parallel()
	if err := checkOutbound(json.RawMessage(`{broken`)); err == nil {
		t.Fatal("non-JSON payload passed the guard")
	}
}
