// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/credproxy/lib/clock"
	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/testutil"
	"github.com/bureau-foundation/credproxy/lib/token"
)

type scriptedPrompter struct {
	code string
	err  error

	mu         sync.Mutex
	authURL    string
	verifyURL  string
	userCode   string
	codeReads  int
	verifyShow int
}

func (p *scriptedPrompter) ReadCode(_ context.Context, authURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authURL = authURL
	p.codeReads++
	return p.code, p.err
}

func (p *scriptedPrompter) ShowVerification(verificationURL, userCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyURL = verificationURL
	p.userCode = userCode
	p.verifyShow++
}

// loginHost scripts the OAuth operations. polls answers oauth_poll in
// order, repeating the last entry.
type loginHost struct {
	initiated ipc.InitiateResult
	exchange  func(code string) *ipc.Error
	polls     []ipc.PollResult
	cancel    *ipc.Error

	mu       sync.Mutex
	polled   int
	codes    []string
	canceled []string
}

func (h *loginHost) handle(request *ipc.Request, reply func(*ipc.Response), _ func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch request.Op {
	case ipc.OpOAuthInitiate:
		reply(success(request.ID, h.initiated))
	case ipc.OpOAuthExchange:
		var payload ipc.ExchangePayload
		json.Unmarshal(request.Payload, &payload)
		h.codes = append(h.codes, payload.Code)
		if err := h.exchange(payload.Code); err != nil {
			reply(ipc.Failure(request.ID, err))
			return
		}
		reply(success(request.ID, token.Sanitized{AccessToken: "at-" + payload.Code}))
	case ipc.OpOAuthPoll:
		result := h.polls[min(h.polled, len(h.polls)-1)]
		h.polled++
		reply(success(request.ID, result))
	case ipc.OpOAuthCancel:
		var payload ipc.SessionRef
		json.Unmarshal(request.Payload, &payload)
		h.canceled = append(h.canceled, payload.SessionID)
		if h.cancel != nil {
			reply(ipc.Failure(request.ID, h.cancel))
			return
		}
		reply(success(request.ID, nil))
	case ipc.OpRefreshToken:
		reply(success(request.ID, token.Sanitized{AccessToken: "refreshed"}))
	}
}

func (h *loginHost) exchanged() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.codes...)
}

func (h *loginHost) cancelled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.canceled...)
}

func newLogin(t *testing.T, script *loginHost, prompter Prompter, c clock.Clock) *OAuth {
	t.Helper()
	host := newFakeHost(t, script.handle)
	return NewOAuth(OAuthConfig{Client: host.client(t, nil), Prompter: prompter, Clock: c})
}

func pkceSession() ipc.InitiateResult {
	return ipc.InitiateResult{
		SessionID: "s-pkce",
		FlowType:  ipc.FlowPKCERedirect,
		AuthURL:   "https://auth.example/authorize?x=1",
		ExpiresIn: 600,
	}
}

func TestLoginPKCE(t *testing.T) {
	t.Parallel()
	script := &loginHost{initiated: pkceSession(), exchange: func(string) *ipc.Error { return nil }}
	prompter := &scriptedPrompter{code: "  pasted-code#state\n"}
	auth := newLogin(t, script, prompter, nil)

	result, err := auth.Login(context.Background(), "acme", "work")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.AccessToken != "at-pasted-code#state" {
		t.Fatalf("result = %+v", result)
	}
	if prompter.authURL != "https://auth.example/authorize?x=1" {
		t.Fatalf("prompted with %q", prompter.authURL)
	}
	if len(script.cancelled()) != 0 {
		t.Fatal("successful login cancelled its session")
	}
}

func TestLoginEmptyCodeCancelsSession(t *testing.T) {
	t.Parallel()
	script := &loginHost{initiated: pkceSession(), exchange: func(string) *ipc.Error { return nil }}
	auth := newLogin(t, script, &scriptedPrompter{code: " \t\n"}, nil)

	_, err := auth.Login(context.Background(), "acme", "")
	if err == nil || !strings.Contains(err.Error(), "no authorization code") {
		t.Fatalf("err = %v, want an empty-code error", err)
	}
	if len(script.exchanged()) != 0 {
		t.Fatal("an empty code was sent for exchange")
	}
	if cancelled := script.cancelled(); len(cancelled) != 1 || cancelled[0] != "s-pkce" {
		t.Fatalf("cancelled = %v, want [s-pkce]", cancelled)
	}
}

func TestCleanupFailureDoesNotMaskLoginError(t *testing.T) {
	t.Parallel()
	script := &loginHost{
		initiated: pkceSession(),
		exchange:  func(string) *ipc.Error { return ipc.ExchangeFailed("authorization code was rejected") },
		cancel:    ipc.SessionNotFound("no such session"),
	}
	auth := newLogin(t, script, &scriptedPrompter{code: "stale"}, nil)

	_, err := auth.Login(context.Background(), "acme", "")
	if code := ipc.CodeOf(err); code != ipc.CodeExchangeFailed {
		t.Fatalf("code = %s (%v), want EXCHANGE_FAILED", code, err)
	}
	if len(script.cancelled()) != 1 {
		t.Fatal("failed exchange did not cancel the session")
	}
}

func TestPromptFailureCancelsSession(t *testing.T) {
	t.Parallel()
	script := &loginHost{initiated: pkceSession(), exchange: func(string) *ipc.Error { return nil }}
	interrupted := errors.New("interrupted")
	auth := newLogin(t, script, &scriptedPrompter{err: interrupted}, nil)

	if _, err := auth.Login(context.Background(), "acme", ""); !errors.Is(err, interrupted) {
		t.Fatalf("err = %v, want the prompt's error", err)
	}
	if len(script.cancelled()) != 1 {
		t.Fatal("prompt failure did not cancel the session")
	}
}

func TestLoginPollsAtSuggestedInterval(t *testing.T) {
	t.Parallel()
	script := &loginHost{
		initiated: ipc.InitiateResult{
			SessionID:       "s-device",
			FlowType:        ipc.FlowDeviceCode,
			VerificationURL: "https://auth.example/device",
			UserCode:        "WDJB-MJHT",
			Interval:        5,
			ExpiresIn:       600,
		},
		polls: []ipc.PollResult{
			{Status: ipc.PollPending, Interval: 7},
			{Status: ipc.PollPending},
			{Status: ipc.PollComplete, Token: &token.Sanitized{AccessToken: "device-at"}},
		},
	}
	prompter := &scriptedPrompter{}
	fake := clock.Fake(epoch)
	auth := newLogin(t, script, prompter, fake)

	type outcome struct {
		token *token.Sanitized
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := auth.Login(context.Background(), "acme", "")
		done <- outcome{result, err}
	}()

	fake.WaitForTimers(1)
	fake.Advance(4 * time.Second)
	if fake.PendingCount() != 1 {
		t.Fatal("polled before the suggested interval")
	}
	fake.Advance(time.Second)

	fake.WaitForTimers(1)
	fake.Advance(6 * time.Second)
	if fake.PendingCount() != 1 {
		t.Fatal("did not adopt the longer interval from a pending poll")
	}
	fake.Advance(time.Second)

	fake.WaitForTimers(1)
	fake.Advance(7 * time.Second)

	result := testutil.RequireReceive(t, done, 5*time.Second, "login did not finish")
	if result.err != nil {
		t.Fatalf("Login: %v", result.err)
	}
	if result.token.AccessToken != "device-at" {
		t.Fatalf("token = %+v", result.token)
	}
	if prompter.verifyURL != "https://auth.example/device" || prompter.userCode != "WDJB-MJHT" {
		t.Fatalf("shown %q / %q", prompter.verifyURL, prompter.userCode)
	}
	if prompter.codeReads != 0 {
		t.Fatal("a polled login asked for a code")
	}
}

func TestPolledLoginFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		poll ipc.PollResult
		want string
	}{
		{"error status", ipc.PollResult{Status: ipc.PollError, Error: "authorization was denied or expired"}, "denied or expired"},
		{"unknown status", ipc.PollResult{Status: "exploded"}, "unexpected login status"},
		{"complete without token", ipc.PollResult{Status: ipc.PollComplete}, "without a token"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			script := &loginHost{
				initiated: ipc.InitiateResult{SessionID: "s-browser", FlowType: ipc.FlowBrowserRedirect, AuthURL: "https://auth.example/a", Interval: 1},
				polls:     []ipc.PollResult{test.poll},
			}
			fake := clock.Fake(epoch)
			auth := newLogin(t, script, &scriptedPrompter{}, fake)

			done := make(chan error, 1)
			go func() {
				_, err := auth.Login(context.Background(), "acme", "")
				done <- err
			}()
			fake.WaitForTimers(1)
			fake.Advance(time.Second)

			err := testutil.RequireReceive(t, done, 5*time.Second, "login did not finish")
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Fatalf("err = %v, want it to mention %q", err, test.want)
			}
			if cancelled := script.cancelled(); len(cancelled) != 1 || cancelled[0] != "s-browser" {
				t.Fatalf("cancelled = %v", cancelled)
			}
		})
	}
}

func TestLoginCancelledByContext(t *testing.T) {
	t.Parallel()
	script := &loginHost{
		initiated: ipc.InitiateResult{SessionID: "s-device", FlowType: ipc.FlowDeviceCode, Interval: 5},
		polls:     []ipc.PollResult{{Status: ipc.PollPending}},
	}
	fake := clock.Fake(epoch)
	auth := newLogin(t, script, &scriptedPrompter{}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := auth.Login(ctx, "acme", "")
		done <- err
	}()
	fake.WaitForTimers(1)
	cancel()

	if err := testutil.RequireReceive(t, done, 5*time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(script.cancelled()) != 1 {
		t.Fatal("a cancelled login left its session open on the host")
	}
}

func TestLoginUnknownFlow(t *testing.T) {
	t.Parallel()
	script := &loginHost{initiated: ipc.InitiateResult{SessionID: "s-odd", FlowType: "carrier_pigeon"}}
	auth := newLogin(t, script, &scriptedPrompter{}, nil)

	if _, err := auth.Login(context.Background(), "acme", ""); err == nil || !strings.Contains(err.Error(), "carrier_pigeon") {
		t.Fatalf("err = %v", err)
	}
	if len(script.cancelled()) != 1 {
		t.Fatal("unknown flow did not cancel the session")
	}
}

func TestRefreshAndCancel(t *testing.T) {
	t.Parallel()
	script := &loginHost{}
	auth := newLogin(t, script, &scriptedPrompter{}, nil)

	result, err := auth.Refresh(context.Background(), "acme", "")
	if err != nil || result.AccessToken != "refreshed" {
		t.Fatalf("Refresh = %+v, %v", result, err)
	}
	if err := auth.Cancel(context.Background(), "s-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled := script.cancelled(); len(cancelled) != 1 || cancelled[0] != "s-1" {
		t.Fatalf("cancelled = %v", cancelled)
	}
}
