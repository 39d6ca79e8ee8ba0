// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/oauthsession"
	"github.com/bureau-foundation/credproxy/lib/provider"
	"github.com/bureau-foundation/credproxy/lib/token"
)

func (s *Server) oauthInitiate(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.InitiatePayload
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	key := payload.Key()
	if err := s.authorizeKey(peer, request.Op, key); err != nil {
		return nil, err
	}
	p, err := s.providers.Get(key.Provider)
	if err != nil {
		return nil, err
	}

	flow, err := p.Initiate(ctx)
	if err != nil {
		s.logger.Error("starting login", "provider", key.Provider, "error", err)
		return nil, ipc.Internal("starting %s login failed", key.Provider).Wrap(err)
	}
	session, err := s.sessions.Create(key, flow, peer.Identity())
	if err != nil {
		abandon(flow)
		return nil, err
	}

	result := ipc.InitiateResult{
		SessionID: session.ID,
		FlowType:  session.FlowType,
		ExpiresIn: int64(s.sessions.Timeout().Seconds()),
	}
	switch flow := flow.(type) {
	case *provider.PKCEFlow:
		result.AuthURL = flow.AuthURL
	case *provider.DeviceFlow:
		result.VerificationURL = flow.VerificationURL
		result.UserCode = flow.UserCode
		result.Interval = seconds(session)
		if !flow.Expiry.IsZero() {
			if remaining := int64(flow.Expiry.Sub(s.clock.Now()).Seconds()); remaining < result.ExpiresIn {
				result.ExpiresIn = max(remaining, 0)
			}
		}
		s.sessions.Start(session, s.completeLogin(key, flow))
	case *provider.BrowserFlow:
		result.AuthURL = flow.AuthURL
		result.Interval = seconds(session)
		s.sessions.Start(session, s.completeLogin(key, flow))
	default:
		panic(fmt.Sprintf("proxy: unhandled flow %T", flow))
	}
	return result, nil
}

// abandon releases a polled flow's resources when no session will own
// it.
func abandon(flow provider.Flow) {
	if waiter, ok := flow.(provider.Waiter); ok {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		go waiter.Wait(ctx)
	}
}

// completeLogin is the background work of a polled session.
func (s *Server) completeLogin(key token.Key, flow provider.Waiter) oauthsession.Work {
	return func(ctx context.Context) (*token.Sanitized, error) {
		fresh, err := flow.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return s.persistLogin(ctx, key, fresh)
	}
}

func (s *Server) oauthExchange(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.ExchangePayload
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	session, err := s.sessions.Get(payload.SessionID, peer.Identity())
	if err != nil {
		return nil, err
	}
	flow, ok := session.Flow.(*provider.PKCEFlow)
	if !ok {
		return nil, ipc.InvalidRequest("session uses %s and completes through oauth_poll", session.FlowType)
	}
	if _, err := s.sessions.Take(payload.SessionID, peer.Identity()); err != nil {
		return nil, err
	}
	defer s.sessions.Remove(session.ID)

	fresh, err := flow.Exchange(ctx, payload.Code)
	if err != nil {
		s.logger.Warn("authorization code exchange failed",
			"provider", session.Key.Provider,
			"bucket", session.Key.Bucket,
			"kind", provider.KindOf(err).String(),
			"error", err,
		)
		return nil, ipc.ExchangeFailed("authorization code was rejected").Wrap(err)
	}
	return s.persistLogin(ctx, session.Key, fresh)
}

func (s *Server) oauthPoll(peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.SessionRef
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	session, outcome, err := s.sessions.Poll(payload.SessionID, peer.Identity())
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return ipc.PollResult{Status: ipc.PollPending, Interval: seconds(session)}, nil
	}
	s.sessions.Remove(session.ID)
	if outcome.Err != nil {
		return ipc.PollResult{Status: ipc.PollError, Error: loginFailure(outcome.Err)}, nil
	}
	return ipc.PollResult{Status: ipc.PollComplete, Token: outcome.Token}, nil
}

func (s *Server) oauthCancel(peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.SessionRef
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	return nil, s.sessions.Cancel(payload.SessionID, peer.Identity())
}

// persistLogin merges a token obtained by a login into the store under
// the refresh lock and schedules its renewal.
func (s *Server) persistLogin(ctx context.Context, key token.Key, fresh *token.Token) (*token.Sanitized, error) {
	unlock, err := s.coordinator.Lock(ctx, key)
	if err != nil {
		return nil, ipc.Internal("waiting for token lock").Wrap(err)
	}
	defer unlock()

	stored, err := s.store.GetToken(ctx, key)
	if err != nil {
		s.logger.Error("reading token", "key", key.String(), "error", err)
		return nil, ipc.Internal("reading token").Wrap(err)
	}
	merged := token.Merge(stored, fresh)
	if err := s.store.SaveToken(ctx, key, merged); err != nil {
		s.logger.Error("saving token", "key", key.String(), "error", err)
		return nil, ipc.Internal("saving token").Wrap(err)
	}
	s.scheduler.ScheduleIfNeeded(key, merged)
	s.logger.Info("login complete",
		"key", key.String(),
		"fingerprint", token.Fingerprint(merged.AccessToken),
	)
	return token.Sanitize(merged), nil
}

// loginFailure is the message reported to the sandbox for a failed
// polled login. Provider detail stays in the host log.
func loginFailure(err error) string {
	var ipcErr *ipc.Error
	if errors.As(err, &ipcErr) {
		return ipcErr.Message
	}
	if provider.KindOf(err) == provider.KindAuth {
		return "authorization was denied or expired"
	}
	return "login failed"
}

func seconds(session *oauthsession.Session) int64 {
	return int64(session.Interval.Seconds())
}
