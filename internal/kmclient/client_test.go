package kmclient_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutemail/qkms/internal/kmclient"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

func wireKeyJSON(keyID string, material []byte) map[string]interface{} {
	return map[string]interface{}{
		"key_id":     keyID,
		"requester":  "alice@example.com",
		"recipient":  "bob@example.com",
		"size_bits":  len(material) * 8,
		"algorithm":  "BB84",
		"material":   base64.StdEncoding.EncodeToString(material),
		"state":      "served",
		"expires_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}
}

func TestClient_RequestKeys(t *testing.T) {
	material := []byte("0123456789abcdef0123456789abcdef")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/keys/request", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["requester"])
		assert.Equal(t, float64(256), body["size_bits"])
		assert.Equal(t, float64(2), body["count"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"keys": []interface{}{
				wireKeyJSON("k1", material),
				wireKeyJSON("k2", material),
			},
		})
	}))
	defer server.Close()

	client := kmclient.NewClient(server.URL, logger.NewNoopLogger())
	keys, err := client.RequestKeys(context.Background(), "alice", "bob", 256, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	assert.Equal(t, "k1", keys[0].KeyID)
	assert.Equal(t, material, keys[0].Material)
	assert.Equal(t, 256, keys[0].SizeBits)
	assert.Equal(t, "BB84", keys[0].Algorithm)
}

func TestClient_GetKey(t *testing.T) {
	material := []byte("0123456789abcdef0123456789abcdef")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/keys/k1", r.URL.Path)
		require.Equal(t, "bob", r.URL.Query().Get("caller"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"key":    wireKeyJSON("k1", material),
		})
	}))
	defer server.Close()

	client := kmclient.NewClient(server.URL, logger.NewNoopLogger())
	key, err := client.GetKey(context.Background(), "bob", "k1")
	require.NoError(t, err)
	assert.Equal(t, material, key.Material)
}

func TestClient_ConsumeKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/keys/consume", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "k1", body["key_id"])
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	}))
	defer server.Close()

	client := kmclient.NewClient(server.URL, logger.NewNoopLogger())
	assert.NoError(t, client.ConsumeKey(context.Background(), "bob", "k1"))
}

// The error envelope's machine-readable code wins over the HTTP status.
func TestClient_MapsErrorEnvelope(t *testing.T) {
	testCases := []struct {
		name       string
		httpStatus int
		code       string
		expected   errors.Code
	}{
		{"consumed", http.StatusGone, "consumed", errors.CodeConsumed},
		{"expired", http.StatusGone, "expired", errors.CodeExpired},
		{"not_found", http.StatusNotFound, "not_found", errors.CodeNotFound},
		{"unauthorized", http.StatusForbidden, "unauthorized", errors.CodeUnauthorized},
		{"validation", http.StatusBadRequest, "validation_error", errors.CodeValidation},
		{"agreement", http.StatusInternalServerError, "key_agreement_failure", errors.CodeKeyAgreement},
		{"status_only_503", http.StatusServiceUnavailable, "", errors.CodeServiceUnavailable},
		{"status_only_404", http.StatusNotFound, "", errors.CodeNotFound},
		{"status_only_500", http.StatusInternalServerError, "", errors.CodeInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.httpStatus)
				json.NewEncoder(w).Encode(errors.ErrorResponse{
					Status: "error",
					Error:  "something happened",
					Code:   tc.code,
				})
			}))
			defer server.Close()

			client := kmclient.NewClient(server.URL, logger.NewNoopLogger())
			_, err := client.GetKey(context.Background(), "bob", "k1")
			require.Error(t, err)
			assert.Equal(t, tc.expected, errors.CodeOf(err))
		})
	}
}

func TestClient_UnreachableServiceIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listens here anymore

	client := kmclient.NewClient(server.URL, logger.NewNoopLogger(), kmclient.WithTimeout(time.Second))
	_, err := client.GetKey(context.Background(), "bob", "k1")
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailable(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health/live", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	client := kmclient.NewClient(server.URL, logger.NewNoopLogger())
	assert.NoError(t, client.Health(context.Background()))
}

func TestClient_InvalidMaterialEncoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := wireKeyJSON("k1", nil)
		key["material"] = "%%% not base64 %%%"
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "key": key})
	}))
	defer server.Close()

	client := kmclient.NewClient(server.URL, logger.NewNoopLogger())
	_, err := client.GetKey(context.Background(), "bob", "k1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInternal, errors.CodeOf(err))
}
