// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package authn

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/platform/sec"
)

func TestValidateSignatureCount(t *testing.T) {
	tests := []struct {
		name     string
		stored   uint32
		asserted uint32
		wantErr  bool
	}{
		{name: "counterless authenticator", stored: 0, asserted: 0, wantErr: false},
		{name: "first increment", stored: 0, asserted: 1, wantErr: false},
		{name: "normal advance", stored: 5, asserted: 6, wantErr: false},
		{name: "large jump is fine", stored: 5, asserted: 5000, wantErr: false},
		{name: "equal count is a replay", stored: 5, asserted: 5, wantErr: true},
		{name: "regression is a replay", stored: 5, asserted: 4, wantErr: true},
		{name: "regression to zero is a replay", stored: 5, asserted: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSignatureCount(tt.stored, tt.asserted)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPasskeyCredential_CipherRoundTrip(t *testing.T) {
	cipher, err := sec.NewFieldCipher("test-master-secret")
	require.NoError(t, err)
	service := &PasskeyService{cipher: cipher}

	cosePublicKey := []byte{0xa5, 0x01, 0x02, 0x03, 0x26, 0x20, 0x01}
	ciphertext, err := cipher.Encrypt(cosePublicKey)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, string(cosePublicKey), "key material is not stored in the clear")

	record := &PasskeyCredential{
		CredentialID:        base64.RawURLEncoding.EncodeToString([]byte("credential-one")),
		PublicKeyCiphertext: ciphertext,
		AttestationType:     "none",
		Transports:          []string{"internal", "hybrid"},
		SignatureCount:      7,
		UVInitialized:       true,
		BackupEligible:      true,
	}

	credential, err := service.toWebAuthnCredential(record)
	require.NoError(t, err)

	assert.Equal(t, []byte("credential-one"), credential.ID)
	assert.Equal(t, cosePublicKey, credential.PublicKey)
	assert.Equal(t, uint32(7), credential.Authenticator.SignCount)
	assert.True(t, credential.Flags.UserVerified)
	assert.True(t, credential.Flags.BackupEligible)
	assert.False(t, credential.Flags.BackupState)
	require.Len(t, credential.Transport, 2)
	assert.Equal(t, "internal", string(credential.Transport[0]))
}

func TestPasskeyCredential_CorruptCiphertextRejected(t *testing.T) {
	cipher, err := sec.NewFieldCipher("test-master-secret")
	require.NoError(t, err)
	service := &PasskeyService{cipher: cipher}

	record := &PasskeyCredential{
		CredentialID:        base64.RawURLEncoding.EncodeToString([]byte("credential-one")),
		PublicKeyCiphertext: "not-a-ciphertext",
	}

	_, err = service.toWebAuthnCredential(record)
	require.Error(t, err)
}

func TestWebauthnUserAdapter(t *testing.T) {
	fixture := newAuthFixture(t)
	user := fixture.seedUser(t, "tai@veyra.id", "correct horse battery")

	adapter := &webauthnUser{user: user}

	assert.Equal(t, []byte(user.ExternalID), adapter.WebAuthnID(),
		"the opaque external id is the user handle, never the email")
	assert.Equal(t, "tai@veyra.id", adapter.WebAuthnName())
	assert.Equal(t, "Tai Bui", adapter.WebAuthnDisplayName())
	assert.Empty(t, adapter.WebAuthnCredentials())
}

func TestValidateSignatureCount_ErrorNamesCounts(t *testing.T) {
	err := validateSignatureCount(9, 3)
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("authn_passkey_counter_regressed: stored=%d asserted=%d", 9, 3), err.Error())
}
