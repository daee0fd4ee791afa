// Copyright 2025 Nguyen Nhat Nguyen
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

// Package hmac signs and verifies the compact bearer tokens the gateway uses
// to attribute requests to a user: base64url(payload) "." base64url(mac).
package hmac

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type HMACConfig struct {
	// An empty secret disables bearer token identities.
	Secret string `env:"SECRET"`
}

type HMACSigner struct {
	key []byte
}

// Claims is the JSON payload of a token.
type Claims struct {
	Subject   string `json:"sub"`
	Kind      string `json:"typ,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix seconds, 0 never expires
}

// Token kinds. A token of one kind is never accepted as the other.
const (
	KindUser   = ""
	KindAPIKey = "apikey"
)

var (
	ErrMissingKey   = errors.New("missing hmac key")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// NewHMACSigner builds a HMAC signer using the provided secret
func NewHMACSigner(secKey []byte) (*HMACSigner, error) {
	if len(secKey) == 0 {
		return nil, ErrMissingKey
	}
	return &HMACSigner{key: secKey}, nil
}

func (h *HMACSigner) mac(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, h.key)
	_, _ = mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

func (h *HMACSigner) Sign(payload []byte) (string, error) {
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sigB64 := base64.RawURLEncoding.EncodeToString(h.mac(payloadB64))
	return payloadB64 + "." + sigB64, nil
}

func (h *HMACSigner) Verify(token string) ([]byte, error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(sigB64, ".") {
		return nil, ErrInvalidToken
	}

	got, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(h.mac(payloadB64), got) {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return payload, nil
}

func (h *HMACSigner) SignClaims(c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return h.Sign(payload)
}

// VerifyClaims checks the signature, then the subject and expiry against now.
func (h *HMACSigner) VerifyClaims(token string, now time.Time) (Claims, error) {
	payload, err := h.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || c.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if c.ExpiresAt != 0 && !now.Before(time.Unix(c.ExpiresAt, 0)) {
		return Claims{}, ErrExpiredToken
	}
	return c, nil
}
