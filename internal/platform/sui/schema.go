package sui

import (
	"fmt"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// indexerSchema is the subset of the indexer schema this client queries.
const indexerSchema = `
scalar SuiAddress
scalar UInt53
scalar Base64

type Query {
  objects(first: Int, after: String, filter: ObjectFilter): ObjectConnection!
  object(address: SuiAddress!, version: UInt53): Object
}

input ObjectFilter {
  type: String
  owner: SuiAddress
  objectIds: [SuiAddress!]
}

type ObjectConnection {
  pageInfo: PageInfo!
  nodes: [Object!]!
}

type PageInfo {
  hasNextPage: Boolean!
  endCursor: String
}

type Object {
  address: SuiAddress!
  version: UInt53!
  digest: String
  owner: ObjectOwner
  previousTransactionBlock: TransactionBlock
  asMoveObject: MoveObject
}

union ObjectOwner = AddressOwner | Parent | Shared | Immutable

type AddressOwner { owner: Owner }
type Parent { parent: Owner }
type Shared { initialSharedVersion: UInt53! }
type Immutable { immutable: Boolean }
type Owner { address: SuiAddress! }

type TransactionBlock { digest: String }
type MoveObject { contents: MoveValue }
type MoveValue { type: MoveType!, bcs: Base64! }
type MoveType { repr: String! }
`

const objectFields = `
fragment ObjectFields on Object {
  address
  version
  digest
  owner {
    __typename
    ... on AddressOwner { owner { address } }
    ... on Parent { parent { address } }
    ... on Shared { initialSharedVersion }
  }
  previousTransactionBlock { digest }
  asMoveObject { contents { type { repr } bcs } }
}
`

const objectsByTypeQuery = `
query ObjectsByType($type: String!, $first: Int, $after: String) {
  objects(filter: { type: $type }, first: $first, after: $after) {
    pageInfo { hasNextPage endCursor }
    nodes { ...ObjectFields }
  }
}
` + objectFields

const objectByIDQuery = `
query ObjectByID($id: SuiAddress!) {
  object(address: $id) { ...ObjectFields }
}
` + objectFields

// validateDocuments parses the schema and checks every query document
// against it.
func validateDocuments(docs ...string) error {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "indexer.graphql", Input: indexerSchema})
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	for _, doc := range docs {
		q, err := parser.ParseQuery(&ast.Source{Input: doc})
		if err != nil {
			return fmt.Errorf("parse query: %w", err)
		}
		if errs := validator.ValidateWithRules(schema, q, nil); len(errs) > 0 {
			return fmt.Errorf("validate %s: %w", operationName(q), errs)
		}
	}
	return nil
}

func operationName(q *ast.QueryDocument) string {
	if len(q.Operations) == 0 {
		return "<anonymous>"
	}
	return q.Operations[0].Name
}
