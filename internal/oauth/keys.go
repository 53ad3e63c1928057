// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package oauth

import (
	jose "github.com/go-jose/go-jose/v4"

	"github.com/taibuivan/veyra/internal/platform/sec"
)

// JWKSDocument publishes the verification half of the signing key set.
//
// Only public material enters the document. The set carries one key today;
// the slice shape exists so a rotation can publish old and new kid side by
// side while outstanding tokens drain.
func JWKSDocument(tokens *sec.TokenService) jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       tokens.PublicKey(),
				KeyID:     tokens.KeyID(),
				Algorithm: string(jose.RS256),
				Use:       "sig",
			},
		},
	}
}
