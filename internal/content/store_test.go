package content

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

func TestComputeIDIsStableAndVerifiable(t *testing.T) {
	a, err := ComputeID([]byte("hello"))
	require.NoError(t, err)
	b, err := ComputeID([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, a.String(), b.String())
	assert.True(t, strings.HasPrefix(a.String(), "bafk"))
	assert.True(t, Verify(a, []byte("hello")))
	assert.False(t, Verify(a, []byte("hello!")))

	parsed, err := ParseID(a.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equals(a))
}

func TestParseIDRejectsGarbage(t *testing.T) {
	_, err := ParseID("not a cid")
	assert.ErrorIs(t, err, svcerrors.ErrValidation)

	_, err = ParseID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
	assert.NoError(t, err)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore("https://gateway.example/ipfs/")
	ctx := context.Background()

	id, err := store.UploadJSON(ctx, RequestMetadata{Title: "Sunset", Description: "orange"})
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example/ipfs/"+id, store.URL(id))

	var doc RequestMetadata
	require.NoError(t, store.FetchJSON(ctx, id, &doc))
	assert.Equal(t, "Sunset", doc.Title)

	fileID, err := store.UploadFile(ctx, "a.png", strings.NewReader("pixels"))
	require.NoError(t, err)
	data, err := store.Fetch(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	missing, _ := ComputeID([]byte("never stored"))
	_, err = store.Fetch(ctx, missing.String())
	assert.ErrorIs(t, err, svcerrors.ErrNotFound)
}

func TestGatewayStoreFetchAndPin(t *testing.T) {
	stored, err := ComputeID([]byte(`{"text":"nice"}`))
	require.NoError(t, err)

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+stored.String() {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"text":"nice"}`))
	}))
	defer gateway.Close()

	pinning := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer pin-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/pinning/pinJSONToIPFS":
			var body map[string]json.RawMessage
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["pinataContent"]; !ok {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		case "/pinning/pinFileToIPFS":
			file, _, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			if string(data) != "pixels" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		default:
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"IpfsHash": stored.String()})
	}))
	defer pinning.Close()

	store, err := NewGatewayStore(GatewayConfig{GatewayURL: gateway.URL, PinningURL: pinning.URL, PinningJWT: "pin-jwt"})
	require.NoError(t, err)
	ctx := context.Background()

	var doc CommentMetadata
	require.NoError(t, store.FetchJSON(ctx, stored.String(), &doc))
	assert.Equal(t, "nice", doc.Text)

	id, err := store.UploadJSON(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, stored.String(), id)

	id, err = store.UploadFile(ctx, "a.png", strings.NewReader("pixels"))
	require.NoError(t, err)
	assert.Equal(t, stored.String(), id)
}

func TestGatewayStoreWithoutPinning(t *testing.T) {
	store, err := NewGatewayStore(GatewayConfig{GatewayURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = store.UploadJSON(context.Background(), map[string]string{})
	assert.ErrorIs(t, err, svcerrors.ErrUnavailable)
}
