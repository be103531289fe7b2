// Copyright (c) 2024-2026 Soundcast Labs
//
// Licensed under the MIT License.
// See LICENSE.md for details.

package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// turnSecretField and turnTTLField are the private markers a room's
	// iceServersJson may carry. They never reach clients.
	turnSecretField = "__turn_secret__"
	turnTTLField    = "__turn_ttl__"

	// defaultTurnTTL is the credential lifetime when the entry does not
	// specify one.
	defaultTurnTTL = 86400 // seconds

	// turnRealmUser is the fixed user part of the long-term credential
	// username "<expiry>:soundcast".
	turnRealmUser = "soundcast"
)

// PrepareServers parses an opaque ICE server JSON array, generates HMAC-SHA1
// long-term TURN credentials for every entry carrying __turn_secret__, and
// strips the secret fields. The returned slice is safe to send to clients.
//
// Entries without a secret pass through untouched. Generation never suspends:
// it is pure HMAC over the wall clock.
func PrepareServers(iceServersJSON string, now time.Time) ([]map[string]interface{}, error) {
	if iceServersJSON == "" {
		return []map[string]interface{}{}, nil
	}

	var servers []map[string]interface{}
	if err := json.Unmarshal([]byte(iceServersJSON), &servers); err != nil {
		return nil, fmt.Errorf("parse ice servers json: %w", err)
	}

	for _, srv := range servers {
		secret, ok := srv[turnSecretField].(string)
		if !ok || secret == "" {
			delete(srv, turnSecretField)
			delete(srv, turnTTLField)
			continue
		}

		ttl := int64(defaultTurnTTL)
		if raw, ok := srv[turnTTLField]; ok {
			// JSON numbers decode as float64.
			if f, ok := raw.(float64); ok {
				ttl = int64(f)
			}
		}

		username, credential := Credential(secret, now, ttl)
		srv["username"] = username
		srv["credential"] = credential
		delete(srv, turnSecretField)
		delete(srv, turnTTLField)
	}

	return servers, nil
}

// Credential computes the long-term TURN credential pair for a shared
// secret: username "<unix(now)+ttl>:soundcast" and the base64 HMAC-SHA1
// of that username keyed by the secret.
func Credential(secret string, now time.Time, ttlSeconds int64) (username, credential string) {
	username = fmt.Sprintf("%d:%s", now.Unix()+ttlSeconds, turnRealmUser)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}
