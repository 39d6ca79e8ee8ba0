// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"

	"github.com/bureau-foundation/credproxy/lib/ipc"
	"github.com/bureau-foundation/credproxy/lib/token"
)

// dispatch routes one request after the handshake. Payloads are
// validated and scope is enforced before any store access.
func (s *Server) dispatch(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	switch request.Op {
	case ipc.OpGetToken:
		return s.getToken(ctx, peer, request)
	case ipc.OpSaveToken:
		return s.saveToken(ctx, peer, request)
	case ipc.OpRemoveToken:
		return s.removeToken(ctx, peer, request)
	case ipc.OpListProviders:
		return s.listProviders(ctx)
	case ipc.OpListBuckets:
		return s.listBuckets(ctx, peer, request)
	case ipc.OpGetAPIKey:
		return s.getAPIKey(ctx, peer, request)
	case ipc.OpListAPIKeys:
		return s.listAPIKeys(ctx)
	case ipc.OpRefreshToken:
		return s.refreshToken(ctx, peer, request)
	case ipc.OpOAuthInitiate:
		return s.oauthInitiate(ctx, peer, request)
	case ipc.OpOAuthExchange:
		return s.oauthExchange(ctx, peer, request)
	case ipc.OpOAuthPoll:
		return s.oauthPoll(peer, request)
	case ipc.OpOAuthCancel:
		return s.oauthCancel(peer, request)
	}
	return nil, ipc.InvalidRequest("unknown operation %q", request.Op)
}

// authorizeKey enforces scope for a token key.
func (s *Server) authorizeKey(peer Peer, op ipc.Op, key token.Key) error {
	if s.Scope().AllowBucket(key.Provider, key.Bucket) {
		return nil
	}
	s.logger.Warn("request outside allowed scope",
		"peer", peer.Identity(),
		"op", op,
		"provider", key.Provider,
		"bucket", key.Bucket,
	)
	return ipc.Unauthorized("%s is outside the allowed scope", key)
}

func (s *Server) getToken(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.TokenRef
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	key := payload.Key()
	if err := s.authorizeKey(peer, request.Op, key); err != nil {
		return nil, err
	}
	stored, err := s.store.GetToken(ctx, key)
	if err != nil {
		s.logger.Error("reading token", "key", key.String(), "error", err)
		return nil, ipc.Internal("reading token").Wrap(err)
	}
	if stored == nil {
		return nil, ipc.NotFound("no token stored for %s", key)
	}
	s.scheduler.ScheduleIfNeeded(key, stored)
	return token.Sanitize(stored), nil
}

// saveToken stores a token pushed by the sandbox. Any refresh token in
// it is discarded; the stored one is kept by the merge.
func (s *Server) saveToken(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.SaveTokenPayload
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	key := payload.Key()
	if err := s.authorizeKey(peer, request.Op, key); err != nil {
		return nil, err
	}

	inbound := token.Sanitize(payload.Token).Token()
	if payload.Token.RefreshToken != "" {
		s.logger.Warn("discarded refresh token sent by sandbox", "peer", peer.Identity(), "key", key.String())
	}

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
	merged := token.Merge(stored, inbound)
	if err := s.store.SaveToken(ctx, key, merged); err != nil {
		s.logger.Error("saving token", "key", key.String(), "error", err)
		return nil, ipc.Internal("saving token").Wrap(err)
	}
	s.logger.Info("token saved by sandbox",
		"key", key.String(),
		"fingerprint", token.Fingerprint(merged.AccessToken),
	)
	return nil, nil
}

// removeToken always reports success. It waits for any in-flight
// refresh of the key, so the removal lands after it.
func (s *Server) removeToken(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.TokenRef
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	key := payload.Key()
	if err := s.authorizeKey(peer, request.Op, key); err != nil {
		return nil, err
	}

	s.scheduler.CancelForKey(key)
	unlock, err := s.coordinator.Lock(ctx, key)
	if err != nil {
		s.logger.Error("removing token: waiting for lock", "key", key.String(), "error", err)
		return nil, nil
	}
	defer unlock()
	if err := s.store.RemoveToken(ctx, key); err != nil {
		s.logger.Error("removing token", "key", key.String(), "error", err)
		return nil, nil
	}
	s.scheduler.CancelForKey(key)
	s.logger.Info("token removed", "key", key.String())
	return nil, nil
}

func (s *Server) listProviders(ctx context.Context) (any, error) {
	providers, err := s.store.ListProviders(ctx)
	if err != nil {
		s.logger.Error("listing providers", "error", err)
		return []string{}, nil
	}
	scope := s.Scope()
	allowed := make([]string, 0, len(providers))
	for _, name := range providers {
		if scope.AllowProvider(name) {
			allowed = append(allowed, name)
		}
	}
	return allowed, nil
}

func (s *Server) listBuckets(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.ListBucketsPayload
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	scope := s.Scope()
	if !scope.AllowProvider(payload.Provider) {
		s.logger.Warn("request outside allowed scope", "peer", peer.Identity(), "op", request.Op, "provider", payload.Provider)
		return nil, ipc.Unauthorized("provider %q is outside the allowed scope", payload.Provider)
	}
	buckets, err := s.store.ListBuckets(ctx, payload.Provider)
	if err != nil {
		s.logger.Error("listing buckets", "provider", payload.Provider, "error", err)
		return []string{}, nil
	}
	allowed := make([]string, 0, len(buckets))
	for _, bucket := range buckets {
		if scope.AllowBucket(payload.Provider, bucket) {
			allowed = append(allowed, bucket)
		}
	}
	return allowed, nil
}

func (s *Server) getAPIKey(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.APIKeyRef
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	if !s.Scope().AllowAPIKey(payload.Name) {
		s.logger.Warn("request outside allowed scope", "peer", peer.Identity(), "op", request.Op, "api_key", payload.Name)
		return nil, ipc.Unauthorized("API key %q is outside the allowed scope", payload.Name)
	}
	value, err := s.store.GetAPIKey(ctx, payload.Name)
	if err != nil {
		s.logger.Error("reading API key", "name", payload.Name, "error", err)
		return nil, ipc.Internal("reading API key").Wrap(err)
	}
	if value == "" {
		return nil, ipc.NotFound("no API key named %q", payload.Name)
	}
	return ipc.APIKeyResult{Name: payload.Name, Value: value}, nil
}

func (s *Server) listAPIKeys(ctx context.Context) (any, error) {
	names, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		s.logger.Error("listing API keys", "error", err)
		return []string{}, nil
	}
	scope := s.Scope()
	allowed := make([]string, 0, len(names))
	for _, name := range names {
		if scope.AllowAPIKey(name) {
			allowed = append(allowed, name)
		}
	}
	return allowed, nil
}

func (s *Server) refreshToken(ctx context.Context, peer Peer, request *ipc.Request) (any, error) {
	var payload ipc.TokenRef
	if err := ipc.DecodePayload(request, &payload); err != nil {
		return nil, err
	}
	key := payload.Key()
	if err := s.authorizeKey(peer, request.Op, key); err != nil {
		return nil, err
	}
	return s.coordinator.Refresh(ctx, key)
}
