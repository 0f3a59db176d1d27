// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kayako

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/support-intake/internal/helpdesk"
)

const (
	// skewMargin is subtracted from the issued lifetime before caching.
	skewMargin = 60 * time.Second

	// defaultTokenLifetime applies when the token response omits expires_in.
	defaultTokenLifetime = time.Hour
)

// authorize sets the Authorization header for the configured auth mode.
func (p *Provider) authorize(ctx context.Context, req *http.Request) error {
	if p.cfg.Auth == AuthBasic {
		req.SetBasicAuth(p.cfg.Email, p.cfg.Password)
		return nil
	}

	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// tokenKey identifies this provider's credentials in the shared cache.
func (p *Provider) tokenKey() string {
	return "kayako:" + p.baseURL + ":" + p.cfg.ClientID
}

// accessToken returns a cached token or performs a client-credentials
// exchange. Concurrent misses in this process share a single exchange.
func (p *Provider) accessToken(ctx context.Context) (string, error) {
	key := p.tokenKey()

	if token, ok, err := p.tokens.Get(ctx, key); err != nil {
		p.logger.Warn("token cache read failed, exchanging", "error", err)
	} else if ok {
		return token, nil
	}

	// Waiters share one exchange that is not bound to any caller's deadline.
	flight := context.WithoutCancel(ctx)
	ch := p.refresh.DoChan(key, func() (any, error) {
		// Another caller may have stored a token while we waited.
		if token, ok, err := p.tokens.Get(flight, key); err == nil && ok {
			return token, nil
		}

		tok, err := p.exchange(flight)
		if err != nil {
			return "", err
		}

		lifetime := defaultTokenLifetime
		if !tok.Expiry.IsZero() {
			lifetime = time.Until(tok.Expiry)
		}
		ttl := lifetime - skewMargin
		if ttl < 0 {
			ttl = 0
		}

		if err := p.tokens.Set(flight, key, tok.AccessToken, ttl); err != nil {
			p.logger.Warn("token cache write failed", "error", err)
		}

		p.logger.Debug("kayako access token refreshed", "ttl", ttl)
		return tok.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", &helpdesk.TransportError{Op: "token exchange", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// exchange performs the OAuth client-credentials grant against
// {base}/oauth/token with credentials in the form body.
func (p *Provider) exchange(ctx context.Context) (*oauth2.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     p.baseURL + "/oauth/token",
		Scopes:       p.cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := cc.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			p.logger.Error("kayako OAuth token request failed",
				"status", re.Response.StatusCode,
				"body", string(re.Body),
			)
			return nil, &helpdesk.AuthError{Status: re.Response.StatusCode, Body: string(re.Body)}
		}
		return nil, &helpdesk.AuthError{Err: err}
	}

	return tok, nil
}

// invalidateToken drops a token the server rejected so the next call
// performs a fresh exchange.
func (p *Provider) invalidateToken(ctx context.Context) {
	if p.cfg.Auth == AuthBasic {
		return
	}
	if err := p.tokens.Delete(ctx, p.tokenKey()); err != nil {
		p.logger.Warn("token cache delete failed", "error", err)
	}
}
