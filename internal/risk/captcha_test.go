// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package risk_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/risk"
)

func TestCaptchaVerifier_Disabled(t *testing.T) {
	verifier := risk.NewCaptchaVerifier("", "", discardLogger())

	assert.False(t, verifier.Enabled())
	assert.True(t, verifier.Verify(context.Background(), "", "203.0.113.7"), "disabled verifier accepts everything")
}

func TestCaptchaVerifier_ProviderDecides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.NoError(t, request.ParseForm())
		token := request.PostFormValue("response")
		assert.Equal(t, "shh", request.PostFormValue("secret"))

		_ = json.NewEncoder(writer).Encode(map[string]bool{"success": token == "valid-token"})
	}))
	defer server.Close()

	verifier := risk.NewCaptchaVerifier(server.URL, "shh", discardLogger())

	assert.True(t, verifier.Verify(context.Background(), "valid-token", "203.0.113.7"))
	assert.False(t, verifier.Verify(context.Background(), "forged-token", "203.0.113.7"))
}

func TestCaptchaVerifier_EmptyTokenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("the provider must not be called for an empty token")
	}))
	defer server.Close()

	verifier := risk.NewCaptchaVerifier(server.URL, "shh", discardLogger())
	assert.False(t, verifier.Verify(context.Background(), "", "203.0.113.7"))
}

func TestCaptchaVerifier_FailsOpenOnOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections

	verifier := risk.NewCaptchaVerifier(server.URL, "shh", discardLogger())
	assert.True(t, verifier.Verify(context.Background(), "some-token", "203.0.113.7"),
		"provider outage must not lock users out")
}
