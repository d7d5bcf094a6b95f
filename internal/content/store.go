package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
)

// MaxObjectSize bounds every fetched object.
const MaxObjectSize = 16 << 20

// Store is a content-addressed object store.
type Store interface {
	Fetch(ctx context.Context, id string) ([]byte, error)
	FetchJSON(ctx context.Context, id string, v interface{}) error
	UploadJSON(ctx context.Context, v interface{}) (string, error)
	UploadFile(ctx context.Context, name string, r io.Reader) (string, error)
	URL(id string) string
}

var (
	_ Store = (*GatewayStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// =============================================================================
// Gateway + pinning service
// =============================================================================

// GatewayConfig configures a GatewayStore.
type GatewayConfig struct {
	GatewayURL string
	PinningURL string
	PinningJWT string
	Timeout    time.Duration
}

// GatewayStore reads through a public gateway and writes through a pinning
// service API.
type GatewayStore struct {
	gateway *httputil.Client
	pinning *httputil.Client
}

// NewGatewayStore builds a store. Uploads fail if no pinning URL is set.
func NewGatewayStore(cfg GatewayConfig) (*GatewayStore, error) {
	if cfg.GatewayURL == "" {
		return nil, fmt.Errorf("gateway URL required")
	}
	s := &GatewayStore{
		gateway: httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.GatewayURL, Timeout: cfg.Timeout}),
	}
	if cfg.PinningURL != "" {
		s.pinning = httputil.NewClient(httputil.ClientConfig{
			BaseURL:     cfg.PinningURL,
			BearerToken: cfg.PinningJWT,
			Timeout:     cfg.Timeout,
			MaxRetries:  1,
		})
	}
	return s, nil
}

func (s *GatewayStore) URL(id string) string {
	return s.gateway.BaseURL() + "/" + strings.TrimSpace(id)
}

func (s *GatewayStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	resp, err := s.gateway.Get(ctx, "/"+parsed.String())
	if err != nil {
		return nil, svcerrors.Unavailable("content gateway unreachable", err)
	}
	body, err := httputil.ReadResponse(resp, MaxObjectSize)
	if err != nil {
		return nil, svcerrors.Unavailable("fetch content", err)
	}
	return body, nil
}

func (s *GatewayStore) FetchJSON(ctx context.Context, id string, v interface{}) error {
	body, err := s.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return svcerrors.Decode("content document", err)
	}
	return nil
}

// UploadJSON pins v as a JSON document.
func (s *GatewayStore) UploadJSON(ctx context.Context, v interface{}) (string, error) {
	if s.pinning == nil {
		return "", svcerrors.Unavailable("no pinning service configured", nil)
	}
	resp, err := s.pinning.Post(ctx, "/pinning/pinJSONToIPFS", map[string]interface{}{"pinataContent": v})
	if err != nil {
		return "", svcerrors.Unavailable("pinning service unreachable", err)
	}
	return pinnedID(resp)
}

// UploadFile pins the bytes read from r under name.
func (s *GatewayStore) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	if s.pinning == nil {
		return "", svcerrors.Unavailable("no pinning service configured", nil)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", svcerrors.Internal("build upload", err)
	}
	if _, err := io.Copy(part, io.LimitReader(r, MaxObjectSize)); err != nil {
		return "", svcerrors.Internal("read upload", err)
	}
	if err := form.Close(); err != nil {
		return "", svcerrors.Internal("build upload", err)
	}

	resp, err := s.pinning.DoRaw(ctx, http.MethodPost, "/pinning/pinFileToIPFS", form.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", svcerrors.Unavailable("pinning service unreachable", err)
	}
	return pinnedID(resp)
}

func pinnedID(resp *http.Response) (string, error) {
	body, err := httputil.ReadResponse(resp, 1<<20)
	if err != nil {
		return "", svcerrors.Unavailable("pin content", err)
	}
	hash := gjson.GetBytes(body, "IpfsHash")
	if !hash.Exists() {
		return "", svcerrors.Decode("pin response", fmt.Errorf("missing IpfsHash"))
	}
	parsed, err := ParseID(hash.String())
	if err != nil {
		return "", svcerrors.Decode("pin response", err)
	}
	return parsed.String(), nil
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryStore keeps objects in memory keyed by their CIDv1. Used by tests and
// local development.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string][]byte),
	}
}

func (s *MemoryStore) URL(id string) string {
	return s.baseURL + "/" + id
}

// Put stores data and returns its identifier.
func (s *MemoryStore) Put(data []byte) (string, error) {
	id, err := ComputeID(data)
	if err != nil {
		return "", svcerrors.Internal("compute id", err)
	}
	s.mu.Lock()
	s.objects[id.String()] = append([]byte(nil), data...)
	s.mu.Unlock()
	return id.String(), nil
}

func (s *MemoryStore) Fetch(_ context.Context, id string) ([]byte, error) {
	parsed, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[parsed.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, svcerrors.NotFound("content " + parsed.String())
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) FetchJSON(ctx context.Context, id string, v interface{}) error {
	data, err := s.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return svcerrors.Decode("content document", err)
	}
	return nil
}

func (s *MemoryStore) UploadJSON(_ context.Context, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", svcerrors.Validation("document is not serializable")
	}
	return s.Put(data)
}

func (s *MemoryStore) UploadFile(_ context.Context, _ string, r io.Reader) (string, error) {
	data, err := httputil.ReadAllStrict(r, MaxObjectSize)
	if err != nil {
		return "", svcerrors.Validation("upload too large")
	}
	return s.Put(data)
}
