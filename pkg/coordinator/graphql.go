package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/graphql-go/graphql"

	"github.com/mnohosten/twopc/pkg/txn"
)

// GraphQLHandler is a read-only admin query surface over the coordinator's
// transaction table: no mutation field is exposed, since every state
// transition in this system is driven by the protocol, never by an
// operator.
type GraphQLHandler struct {
	schema graphql.Schema
}

// NewGraphQLHandler builds the admin schema over c.
func NewGraphQLHandler(c *Coordinator) (*GraphQLHandler, error) {
	transactionType := graphql.NewObject(graphql.ObjectConfig{
		Name:        "Transaction",
		Description: "A transaction tracked by the coordinator",
		Fields: graphql.Fields{
			"txId": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Transaction identifier",
			},
			"state": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.String),
				Description: "Current coordinator state",
			},
			"committedTo": &graphql.Field{
				Type:        graphql.NewList(graphql.NewNonNull(graphql.Int)),
				Description: "Participant indices that have acknowledged Commit",
			},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"transaction": &graphql.Field{
				Type: transactionType,
				Args: graphql.FieldConfigArgument{
					"txId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					id := txn.ID(p.Args["txId"].(string))
					for _, rec := range c.Snapshot() {
						if rec.TxID == id {
							return transactionPayload(rec.TxID, rec.State, rec.CommittedIndices()), nil
						}
					}
					return nil, nil
				},
			},
			"transactions": &graphql.Field{
				Type: graphql.NewList(transactionType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					snapshot := c.Snapshot()
					out := make([]map[string]interface{}, 0, len(snapshot))
					for _, rec := range snapshot {
						out = append(out, transactionPayload(rec.TxID, rec.State, rec.CommittedIndices()))
					}
					return out, nil
				},
			},
			"participantCount": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Int),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return len(c.Participants()), nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
	if err != nil {
		return nil, err
	}
	return &GraphQLHandler{schema: schema}, nil
}

func transactionPayload(id txn.ID, state txn.CoordinatorState, committedTo []int) map[string]interface{} {
	return map[string]interface{}{
		"txId":        string(id),
		"state":       string(state),
		"committedTo": committedTo,
	}
}

type graphQLRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

// ServeHTTP answers admin GraphQL queries. Only POST is accepted.
func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "GraphQL only accepts POST requests", http.StatusMethodNotAllowed)
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result := graphql.Do(graphql.Params{
		Schema:         h.schema,
		RequestString:  req.Query,
		VariableValues: req.Variables,
		OperationName:  req.OperationName,
		Context:        r.Context(),
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
