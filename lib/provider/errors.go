// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

// Kind classifies a provider failure.
type Kind int

const (
	// KindOther is anything not recognized below.
	KindOther Kind = iota

	// KindAuth means the credential or grant was rejected
	// (invalid_grant, 401). Retrying cannot succeed.
	KindAuth

	// KindTransient means the request may succeed if repeated:
	// connection failures, timeouts, 5xx and 429 responses.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	}
	return "other"
}

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return e.Provider + ": " + e.Kind.String() + " failure: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. An *Error anywhere in the
// chain wins; otherwise the error is classified from its shape.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return classify(err)
}

// wrap classifies err for provider. Nil stays nil.
func wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Provider: provider, Kind: classify(err), Err: err}
}

var authErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
	"access_denied":       true,
	"expired_token":       true,
}

func classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if authErrorCodes[retrieve.ErrorCode] {
			return KindAuth
		}
		if retrieve.Response == nil {
			return KindOther
		}
		switch status := retrieve.Response.StatusCode; {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return KindAuth
		case status == http.StatusTooManyRequests || status >= 500:
			return KindTransient
		}
		return KindOther
	}

	if errors.Is(err, context.Canceled) {
		return KindOther
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindOther
}
