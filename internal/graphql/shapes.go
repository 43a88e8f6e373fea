package graphql

import (
	"bytes"
	"encoding/json"

	"github.com/dvloznov/ckexport/internal/normalize"
)

// Page is one batch of transactions pulled out of a response.
// HasNextPage and EndCursor are only set by the paginated shape.
type Page struct {
	Transactions []normalize.APITransaction
	HasNextPage  bool
	EndCursor    string
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type transactionPage struct {
	Transactions []normalize.APITransaction `json:"transactions"`
	PageInfo     *pageInfo                  `json:"pageInfo"`
}

// dataShape covers every layout the endpoint has been seen to use.
type dataShape struct {
	Prime *struct {
		TransactionsHub *struct {
			TransactionPage *transactionPage `json:"transactionPage"`
		} `json:"transactionsHub"`
		TransactionList json.RawMessage `json:"transactionList"`
	} `json:"prime"`
	Transactions []normalize.APITransaction `json:"transactions"`
}

// shapeMatcher recognises one response layout.
type shapeMatcher struct {
	name  string
	match func(d *dataShape) (Page, bool)
}

// shapes are tried in order; the first match wins.
var shapes = []shapeMatcher{
	{name: "prime.transactionsHub.transactionPage", match: matchTransactionPage},
	{name: "prime.transactionList.transactions", match: matchListObject},
	{name: "prime.transactionList[]", match: matchListArray},
	{name: "transactions", match: matchTopLevel},
}

func matchTransactionPage(d *dataShape) (Page, bool) {
	if d.Prime == nil || d.Prime.TransactionsHub == nil || d.Prime.TransactionsHub.TransactionPage == nil {
		return Page{}, false
	}
	tp := d.Prime.TransactionsHub.TransactionPage
	if tp.Transactions == nil {
		return Page{}, false
	}
	p := Page{Transactions: tp.Transactions}
	if tp.PageInfo != nil {
		p.HasNextPage = tp.PageInfo.HasNextPage
		p.EndCursor = tp.PageInfo.EndCursor
	}
	return p, true
}

func matchListObject(d *dataShape) (Page, bool) {
	if d.Prime == nil || !startsWith(d.Prime.TransactionList, '{') {
		return Page{}, false
	}
	var list struct {
		Transactions []normalize.APITransaction `json:"transactions"`
	}
	if err := json.Unmarshal(d.Prime.TransactionList, &list); err != nil || list.Transactions == nil {
		return Page{}, false
	}
	return Page{Transactions: list.Transactions}, true
}

func matchListArray(d *dataShape) (Page, bool) {
	if d.Prime == nil || !startsWith(d.Prime.TransactionList, '[') {
		return Page{}, false
	}
	var txs []normalize.APITransaction
	if err := json.Unmarshal(d.Prime.TransactionList, &txs); err != nil {
		return Page{}, false
	}
	return Page{Transactions: txs}, true
}

func matchTopLevel(d *dataShape) (Page, bool) {
	if d.Transactions == nil {
		return Page{}, false
	}
	return Page{Transactions: d.Transactions}, true
}

func startsWith(raw json.RawMessage, c byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == c
}

// ExtractTransactions runs the shape matchers over the "data" member of a
// response. It returns the matched page and the name of the shape, or
// ok=false when no known layout is present.
func ExtractTransactions(data json.RawMessage) (page Page, shape string, ok bool) {
	var d dataShape
	if len(data) == 0 || json.Unmarshal(data, &d) != nil {
		return Page{}, "", false
	}
	for _, s := range shapes {
		if p, ok := s.match(&d); ok {
			return p, s.name, true
		}
	}
	return Page{}, "", false
}

// extractPaginated only accepts the paginated layout.
func extractPaginated(data json.RawMessage) (Page, bool) {
	var d dataShape
	if len(data) == 0 || json.Unmarshal(data, &d) != nil {
		return Page{}, false
	}
	return matchTransactionPage(&d)
}
