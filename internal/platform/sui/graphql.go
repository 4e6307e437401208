package sui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
)

// ObjectNode is one object returned by the indexer. Data has a zero Kind
// when the node carried no Move contents.
type ObjectNode struct {
	ID   string
	Type string
	Meta domain.ObjectMeta
	Data codec.ByteData
}

// ObjectPage is one page of an objects-by-type query.
type ObjectPage struct {
	Nodes       []ObjectNode
	HasNextPage bool
	EndCursor   string
	// Malformed lists the IDs of nodes dropped because their version or
	// owner fields did not parse.
	Malformed []string
}

// GraphQLClient reads ledger objects from the GraphQL indexer.
type GraphQLClient struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
}

// NewGraphQLClient creates an indexer client. The query documents are
// validated against the indexer schema before the client is returned.
func NewGraphQLClient(graphqlURL, apiKey string, timeout time.Duration) (*GraphQLClient, error) {
	if err := validateDocuments(objectsByTypeQuery, objectByIDQuery); err != nil {
		return nil, fmt.Errorf("sui/graphql: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GraphQLClient{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type graphqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type objectJSON struct {
	Address string      `json:"address"`
	Version json.Number `json:"version"`
	Digest  string      `json:"digest"`
	Owner   *struct {
		Typename string `json:"__typename"`
		Owner    *struct {
			Address string `json:"address"`
		} `json:"owner"`
		Parent *struct {
			Address string `json:"address"`
		} `json:"parent"`
		InitialSharedVersion json.Number `json:"initialSharedVersion"`
	} `json:"owner"`
	PreviousTransactionBlock *struct {
		Digest string `json:"digest"`
	} `json:"previousTransactionBlock"`
	AsMoveObject *struct {
		Contents *struct {
			Type struct {
				Repr string `json:"repr"`
			} `json:"type"`
			BCS json.RawMessage `json:"bcs"`
		} `json:"contents"`
	} `json:"asMoveObject"`
}

// ObjectsByType fetches one page of objects whose Move type is structType.
// after is the cursor of the previous page, empty for the first.
func (c *GraphQLClient) ObjectsByType(ctx context.Context, structType, after string, first int) (ObjectPage, error) {
	vars := map[string]any{"type": structType, "first": first}
	if after != "" {
		vars["after"] = after
	}
	data, err := c.doQuery(ctx, "ObjectsByType", objectsByTypeQuery, vars)
	if err != nil {
		return ObjectPage{}, fmt.Errorf("sui/graphql: objects by type: %w", err)
	}

	var result struct {
		Objects struct {
			PageInfo struct {
				HasNextPage bool    `json:"hasNextPage"`
				EndCursor   *string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []objectJSON `json:"nodes"`
		} `json:"objects"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return ObjectPage{}, fmt.Errorf("sui/graphql: decode objects: %w", err)
	}

	page := ObjectPage{
		Nodes:       make([]ObjectNode, 0, len(result.Objects.Nodes)),
		HasNextPage: result.Objects.PageInfo.HasNextPage,
	}
	if result.Objects.PageInfo.EndCursor != nil {
		page.EndCursor = *result.Objects.PageInfo.EndCursor
	}
	for _, n := range result.Objects.Nodes {
		node, err := n.toNode()
		if err != nil {
			page.Malformed = append(page.Malformed, node.ID)
			continue
		}
		page.Nodes = append(page.Nodes, node)
	}
	return page, nil
}

// Object fetches a single object by ID. It returns nil and no error when the
// indexer has no such object.
func (c *GraphQLClient) Object(ctx context.Context, id string) (*ObjectNode, error) {
	addr, err := codec.ParseAddress(id)
	if err != nil {
		return nil, fmt.Errorf("sui/graphql: object: %w", err)
	}
	data, err := c.doQuery(ctx, "ObjectByID", objectByIDQuery, map[string]any{"id": addr.String()})
	if err != nil {
		return nil, fmt.Errorf("sui/graphql: object %s: %w", id, err)
	}

	var result struct {
		Object *objectJSON `json:"object"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("sui/graphql: decode object: %w", err)
	}
	if result.Object == nil {
		return nil, nil
	}
	node, err := result.Object.toNode()
	if err != nil {
		return nil, fmt.Errorf("sui/graphql: object %s: %w", id, err)
	}
	return &node, nil
}

func (o objectJSON) toNode() (ObjectNode, error) {
	node := ObjectNode{ID: codec.NormalizeAddress(o.Address)}
	var err error
	if node.Meta.Version, err = strconv.ParseUint(o.Version.String(), 10, 64); err != nil {
		return node, fmt.Errorf("version %q: %w", o.Version, domain.ErrDecode)
	}
	node.Meta.Digest = o.Digest
	if o.PreviousTransactionBlock != nil {
		node.Meta.PreviousTx = o.PreviousTransactionBlock.Digest
	}
	if o.Owner != nil {
		switch o.Owner.Typename {
		case "AddressOwner":
			node.Meta.Owner.Kind = domain.OwnerAddress
			if o.Owner.Owner != nil {
				node.Meta.Owner.Address = codec.NormalizeAddress(o.Owner.Owner.Address)
			}
		case "Parent":
			node.Meta.Owner.Kind = domain.OwnerObject
			if o.Owner.Parent != nil {
				node.Meta.Owner.Address = codec.NormalizeAddress(o.Owner.Parent.Address)
			}
		case "Shared":
			node.Meta.Owner.Kind = domain.OwnerShared
			v, err := strconv.ParseUint(o.Owner.InitialSharedVersion.String(), 10, 64)
			if err != nil {
				return node, fmt.Errorf("initial shared version %q: %w", o.Owner.InitialSharedVersion, domain.ErrDecode)
			}
			node.Meta.Owner.InitialSharedVersion = v
		case "Immutable":
			node.Meta.Owner.Kind = domain.OwnerImmutable
		}
	}
	if o.AsMoveObject != nil && o.AsMoveObject.Contents != nil {
		node.Type = o.AsMoveObject.Contents.Type.Repr
		if data, err := payloadFromJSON(o.AsMoveObject.Contents.BCS); err == nil {
			node.Data = data
		}
	}
	return node, nil
}

// payloadFromJSON maps the bcs field onto ByteData. The indexer serves
// base64; hex strings (with or without 0x) and integer arrays are accepted
// as well. An even-length string of hex digits is read as hex.
func payloadFromJSON(raw json.RawMessage) (codec.ByteData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return codec.ByteData{}, fmt.Errorf("missing payload: %w", domain.ErrDecode)
	}
	if raw[0] == '[' {
		return codec.ParseByteData(raw)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return codec.ByteData{}, fmt.Errorf("payload: %v: %w", err, domain.ErrDecode)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") || isHex(s) {
		return codec.HexString(s), nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return codec.ByteData{}, fmt.Errorf("payload: %v: %w", err, domain.ErrDecode)
	}
	return codec.RawBytes(b), nil
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// doQuery executes a GraphQL query against the indexer endpoint and returns
// the raw "data" field from the response.
func (c *GraphQLClient) doQuery(ctx context.Context, operation, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{
		Query:         query,
		OperationName: operation,
		Variables:     variables,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}
	return gqlResp.Data, nil
}
