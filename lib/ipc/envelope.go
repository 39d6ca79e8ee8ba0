// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Op names a request operation.
type Op string

const (
	OpHandshake     Op = "handshake"
	OpGetToken      Op = "get_token"
	OpSaveToken     Op = "save_token"
	OpRemoveToken   Op = "remove_token"
	OpListProviders Op = "list_providers"
	OpListBuckets   Op = "list_buckets"
	OpGetAPIKey     Op = "get_api_key"
	OpListAPIKeys   Op = "list_api_keys"
	OpRefreshToken  Op = "refresh_token"
	OpOAuthInitiate Op = "oauth_initiate"
	OpOAuthExchange Op = "oauth_exchange"
	OpOAuthPoll     Op = "oauth_poll"
	OpOAuthCancel   Op = "oauth_cancel"
)

// Protocol versions this build speaks.
const (
	MinVersion = 1
	MaxVersion = 1
)

// Request is the outbound envelope.
type Request struct {
	Op      Op              `json:"op"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the inbound envelope. Code, Message and RetryAfter are
// set only when OK is false.
type Response struct {
	ID         string          `json:"id"`
	OK         bool            `json:"ok"`
	Code       Code            `json:"code,omitempty"`
	Message    string          `json:"error,omitempty"`
	RetryAfter int64           `json:"retryAfter,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewRequest marshals payload into a request envelope. A nil payload
// is omitted.
func NewRequest(op Op, id string, payload any) (*Request, error) {
	request := &Request{Op: op, ID: id}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", op, err)
		}
		request.Payload = encoded
	}
	return request, nil
}

// Success builds an ok response carrying data. A nil data is omitted.
func Success(id string, data any) (*Response, error) {
	response := &Response{ID: id, OK: true}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding response data: %w", err)
		}
		response.Data = encoded
	}
	return response, nil
}

// Failure builds an error response from err. Unclassified errors are
// reported as INTERNAL_ERROR without their detail.
func Failure(id string, err error) *Response {
	ipcErr := AsError(err)
	response := &Response{ID: id, OK: false, Code: ipcErr.Code, Message: ipcErr.Message}
	if ipcErr.RetryAfter > 0 {
		response.RetryAfter = int64(math.Ceil(ipcErr.RetryAfter.Seconds()))
	}
	return response
}

// Err returns the response's failure as an *Error, or nil when OK. An
// unknown code is reported as INTERNAL_ERROR.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	code := r.Code
	if !code.Known() {
		code = CodeInternalError
	}
	return &Error{
		Code:       code,
		Message:    r.Message,
		RetryAfter: time.Duration(r.RetryAfter) * time.Second,
	}
}

// Decode unmarshals the response data into target.
func (r *Response) Decode(target any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response %s has no data", r.ID)
	}
	if err := json.Unmarshal(r.Data, target); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

// DecodePayload unmarshals a request payload into target and validates
// it. Any failure is an INVALID_REQUEST.
func DecodePayload(request *Request, target Validator) error {
	if len(request.Payload) == 0 {
		return InvalidRequest("%s: missing payload", request.Op)
	}
	if err := json.Unmarshal(request.Payload, target); err != nil {
		return InvalidRequest("%s: malformed payload: %v", request.Op, err)
	}
	if err := target.Validate(); err != nil {
		return InvalidRequest("%s: %v", request.Op, err)
	}
	return nil
}
