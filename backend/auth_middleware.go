// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	defaultAuthCookie = "cricketscorer_auth"
	mockAuthCookie    = "mock_auth_user"
	jwksRefreshAfter  = time.Minute
)

// jwtAuthMiddleware authenticates requests carrying a JWT cookie signed by
// a key from the configured JWKS. Requests without a valid token proceed
// anonymously.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	var (
		keys        jwk.Set
		lastRefresh time.Time
		mu          sync.RWMutex
	)

	refreshKeys := func() error {
		if opts.AuthJWKSURL == "" {
			return fmt.Errorf("no JWKS URL provided")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		set, err := jwk.Fetch(ctx, opts.AuthJWKSURL)
		if err != nil {
			return fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		mu.Lock()
		keys = set
		lastRefresh = time.Now()
		mu.Unlock()
		return nil
	}

	if opts.AuthJWKSURL != "" {
		if err := refreshKeys(); err != nil {
			log().Warnw("failed to fetch JWKS on startup", "error", err)
		}
	} else {
		log().Warn("no JWKS URL configured, every request is anonymous unless mock auth is used")
	}

	findKey := func(set jwk.Set, kid string) (any, error) {
		if set == nil {
			return nil, fmt.Errorf("JWKS not initialized")
		}
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key %s not found in JWKS", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to materialize key: %w", err)
		}
		return raw, nil
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token missing 'kid' header")
		}

		mu.RLock()
		localKeys, localLastRefresh := keys, lastRefresh
		mu.RUnlock()

		key, err := findKey(localKeys, kid)
		if err == nil {
			return key, nil
		}
		// Unknown kid: the issuer may have rotated keys.
		if time.Since(localLastRefresh) > jwksRefreshAfter {
			if err := refreshKeys(); err != nil {
				log().Errorw("error refreshing JWKS", "error", err)
				return nil, err
			}
			mu.RLock()
			localKeys = keys
			mu.RUnlock()
			return findKey(localKeys, kid)
		}
		return nil, err
	}

	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = defaultAuthCookie
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(cookie.Value, keyFunc)
		if err != nil || !token.Valid {
			if opts.Debug {
				log().Debugw("JWT validation failed", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if email, ok := claims["email"].(string); ok && email != "" {
				next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), email)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// mockAuthMiddleware takes the user id from a plain cookie. It is meant for
// local development and tests only.
func mockAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(mockAuthCookie); err == nil && cookie.Value != "" {
			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), cookie.Value)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authMiddleware(opts Options) func(http.Handler) http.Handler {
	if opts.UseMockAuth {
		return mockAuthMiddleware
	}
	return func(next http.Handler) http.Handler {
		return jwtAuthMiddleware(opts, next)
	}
}
