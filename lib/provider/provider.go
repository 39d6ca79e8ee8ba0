// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// Provider is one OAuth identity provider.
type Provider interface {
	Name() string

	// FlowType is the login topology Initiate produces.
	FlowType() ipc.FlowType

	// Initiate starts a login. Polled flows hold resources (a device
	// code, a loopback listener) until Wait returns or ctx given to
	// Wait is cancelled.
	Initiate(ctx context.Context) (Flow, error)

	// Refresh redeems refreshToken for a fresh token. The result may
	// omit the refresh token when the provider does not rotate it.
	Refresh(ctx context.Context, refreshToken string) (*token.Token, error)
}

// Flow is an in-progress login: *PKCEFlow, *DeviceFlow or *BrowserFlow.
type Flow interface {
	isFlow()
}

// TypeOf returns the wire flow type of flow.
func TypeOf(flow Flow) ipc.FlowType {
	switch flow.(type) {
	case *PKCEFlow:
		return ipc.FlowPKCERedirect
	case *DeviceFlow:
		return ipc.FlowDeviceCode
	case *BrowserFlow:
		return ipc.FlowBrowserRedirect
	}
	panic(fmt.Sprintf("provider: unknown flow %T", flow))
}

// PKCEFlow is a code-paste login.
type PKCEFlow struct {
	AuthURL string

	exchange func(ctx context.Context, code string) (*token.Token, error)
}

func (*PKCEFlow) isFlow() {}

// NewPKCEFlow returns a code-paste login whose pasted code is redeemed
// by exchange. For Provider implementations outside this package.
func NewPKCEFlow(authURL string, exchange func(ctx context.Context, code string) (*token.Token, error)) *PKCEFlow {
	return &PKCEFlow{AuthURL: authURL, exchange: exchange}
}

// Exchange redeems the code the user pasted.
func (f *PKCEFlow) Exchange(ctx context.Context, code string) (*token.Token, error) {
	return f.exchange(ctx, code)
}

// DeviceFlow is a device authorization login.
type DeviceFlow struct {
	VerificationURL string
	UserCode        string

	// Interval is the polling interval the provider asked for.
	Interval time.Duration

	// Expiry is when the device code stops being redeemable. Zero if
	// the provider did not say.
	Expiry time.Time

	wait func(ctx context.Context) (*token.Token, error)
}

func (*DeviceFlow) isFlow() {}

// NewDeviceFlow returns a device authorization login completed by wait.
func NewDeviceFlow(verificationURL, userCode string, interval time.Duration, expiry time.Time, wait func(ctx context.Context) (*token.Token, error)) *DeviceFlow {
	return &DeviceFlow{
		VerificationURL: verificationURL,
		UserCode:        userCode,
		Interval:        interval,
		Expiry:          expiry,
		wait:            wait,
	}
}

// Wait polls until the user authorizes, the code expires, or ctx ends.
func (f *DeviceFlow) Wait(ctx context.Context) (*token.Token, error) {
	return f.wait(ctx)
}

// BrowserFlow is a loopback-redirect login.
type BrowserFlow struct {
	AuthURL string

	wait func(ctx context.Context) (*token.Token, error)
}

func (*BrowserFlow) isFlow() {}

// NewBrowserFlow returns a loopback-redirect login completed by wait.
func NewBrowserFlow(authURL string, wait func(ctx context.Context) (*token.Token, error)) *BrowserFlow {
	return &BrowserFlow{AuthURL: authURL, wait: wait}
}

// Wait blocks until the redirect arrives and its code is exchanged, or
// ctx ends. The loopback listener is closed on return.
func (f *BrowserFlow) Wait(ctx context.Context) (*token.Token, error) {
	return f.wait(ctx)
}

// Waiter is implemented by the polled flows.
type Waiter interface {
	Flow
	Wait(ctx context.Context) (*token.Token, error)
}

var (
	_ Waiter = (*DeviceFlow)(nil)
	_ Waiter = (*BrowserFlow)(nil)
)
