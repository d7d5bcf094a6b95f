// Package index queries the marketplace subgraph, the eventually consistent
// read model built from ledger events.
package index

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/tidwall/gjson"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/httputil"
	"github.com/fixmypic/service_layer/internal/market"
)

const maxResponseBytes = 4 << 20

// Client is a GraphQL client for the subgraph endpoint.
type Client struct {
	http *httputil.Client
}

// Config configures a Client.
type Config struct {
	URL     string
	Timeout time.Duration
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("index URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http: httputil.NewClient(httputil.ClientConfig{BaseURL: cfg.URL, Timeout: timeout}),
	}, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// query runs q and returns the "data" object. Transport failures and
// GraphQL errors are reported as Unavailable so callers can retry.
func (c *Client) query(ctx context.Context, q string, vars map[string]interface{}) (gjson.Result, error) {
	resp, err := c.http.Post(ctx, "", graphQLRequest{Query: q, Variables: vars})
	if err != nil {
		return gjson.Result{}, svcerrors.Unavailable("index unreachable", err)
	}
	body, err := httputil.ReadResponse(resp, maxResponseBytes)
	if err != nil {
		return gjson.Result{}, svcerrors.Unavailable("index query failed", err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, svcerrors.Decode("index response", fmt.Errorf("invalid JSON"))
	}

	parsed := gjson.ParseBytes(body)
	if errs := parsed.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return gjson.Result{}, svcerrors.Unavailable("index query failed", fmt.Errorf("%s", errs.Get("0.message").String()))
	}
	data := parsed.Get("data")
	if !data.Exists() {
		return gjson.Result{}, svcerrors.Decode("index response", fmt.Errorf("missing data"))
	}
	return data, nil
}

// =============================================================================
// Queries
// =============================================================================

const pictureRequestQuery = `query PictureRequest($id: ID!) {
  pictureRequest(id: $id) { id creator ipfsHash budget createdAt expiresAt }
}`

const requestSubmissionQuery = `query RequestSubmission($id: ID!) {
  requestSubmission(id: $id) {
    id submitter ipfsHash price createdAt
    request { id }
    purchases { purchaser price purchaseDate }
  }
}`

const requestCommentQuery = `query RequestComment($id: ID!) {
  requestComment(id: $id) { id commenter ipfsHash createdAt request { id } }
}`

const purchaseQuery = `query SubmissionPurchase($submission: String!, $purchaser: String!) {
  submissionPurchases(where: { submission: $submission, purchaser: $purchaser }, first: 1) {
    purchaser price purchaseDate submission { id }
  }
}`

const purchasesByBuyerQuery = `query SubmissionPurchasesForPurchaser($purchaser: String!) {
  submissionPurchases(where: { purchaser: $purchaser }, orderBy: purchaseDate, orderDirection: desc) {
    purchaser price purchaseDate submission { id }
  }
}`

// PictureRequest returns the indexed request, or nil if the index has not
// seen it yet.
func (c *Client) PictureRequest(ctx context.Context, id string) (*RequestRecord, error) {
	id, err := market.NormalizeAddress(id)
	if err != nil {
		return nil, err
	}
	data, err := c.query(ctx, pictureRequestQuery, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	node := data.Get("pictureRequest")
	if !present(node) {
		return nil, nil
	}
	return decodeRequest(node)
}

// Submission returns the indexed submission with its purchases, or nil.
func (c *Client) Submission(ctx context.Context, id string) (*SubmissionRecord, error) {
	id, err := market.NormalizeAddress(id)
	if err != nil {
		return nil, err
	}
	data, err := c.query(ctx, requestSubmissionQuery, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	node := data.Get("requestSubmission")
	if !present(node) {
		return nil, nil
	}
	return decodeSubmission(node)
}

// Comment returns the indexed comment, or nil.
func (c *Client) Comment(ctx context.Context, id string) (*CommentRecord, error) {
	id, err := market.NormalizeAddress(id)
	if err != nil {
		return nil, err
	}
	data, err := c.query(ctx, requestCommentQuery, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	node := data.Get("requestComment")
	if !present(node) {
		return nil, nil
	}
	return decodeComment(node)
}

// Purchase returns the purchase of submission by buyer, or nil if none is
// indexed.
func (c *Client) Purchase(ctx context.Context, submission, buyer string) (*market.PurchaseRecord, error) {
	submission, err := market.NormalizeAddress(submission)
	if err != nil {
		return nil, err
	}
	buyer, err = market.NormalizeAddress(buyer)
	if err != nil {
		return nil, err
	}
	data, err := c.query(ctx, purchaseQuery, map[string]interface{}{"submission": submission, "purchaser": buyer})
	if err != nil {
		return nil, err
	}
	rows := data.Get("submissionPurchases").Array()
	if len(rows) == 0 {
		return nil, nil
	}
	record, err := decodePurchase(rows[0], "")
	if err != nil {
		return nil, err
	}
	if record.ContentID != submission || record.Buyer != buyer {
		return nil, svcerrors.Decode("submission purchase", fmt.Errorf("record does not match query"))
	}
	return record, nil
}

// PurchasesByBuyer lists every indexed purchase made by buyer, newest first.
func (c *Client) PurchasesByBuyer(ctx context.Context, buyer string) ([]market.PurchaseRecord, error) {
	buyer, err := market.NormalizeAddress(buyer)
	if err != nil {
		return nil, err
	}
	data, err := c.query(ctx, purchasesByBuyerQuery, map[string]interface{}{"purchaser": buyer})
	if err != nil {
		return nil, err
	}
	rows := data.Get("submissionPurchases").Array()
	out := make([]market.PurchaseRecord, 0, len(rows))
	for _, row := range rows {
		record, err := decodePurchase(row, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, nil
}

func present(node gjson.Result) bool {
	return node.Exists() && node.Type != gjson.Null
}

// parseBig reads a subgraph BigInt, which is serialized as a decimal string.
func parseBig(node gjson.Result) (*big.Int, bool) {
	if !present(node) {
		return nil, false
	}
	return new(big.Int).SetString(node.String(), 10)
}
