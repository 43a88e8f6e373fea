package graphql

// Persisted query hashes registered by the web client.
const (
	RecentQueryHash  = "c3c0a630b5cd938595c5901807f63b807e63c71f54a8fcb55e8c9084cb70832a"
	HistoryQueryHash = "f669c7e42eb464861cb77d9f27826d0847ddfb5f5079a6ab7e5e2470c9617db8"
)

const (
	RecentOperation  = "GetTransactionsList"
	HistoryOperation = "GetTransactions"
	DetailOperation  = "GetTransactionDetail"
)

const detailQuery = `query GetTransactionDetail($urn: String!) {
  transaction(urn: $urn) {
    id
    urn
    description
    amount {
      value
      currencyCode
    }
    transactionDate
    category {
      name
    }
    account {
      id
      name
      accountType
      provider {
        name
      }
    }
    transactionType
    merchant {
      name
    }
  }
}`

type categoryInput struct {
	CategoryID        *string `json:"categoryId"`
	PrimeCategoryType *string `json:"primeCategoryType"`
}

type datePeriodInput struct {
	DatePeriod *string `json:"datePeriod"`
}

type paginationInput struct {
	AfterCursor string `json:"afterCursor,omitempty"`
}

type transactionsInput struct {
	AccountInput    struct{}         `json:"accountInput"`
	CategoryInput   categoryInput    `json:"categoryInput"`
	DatePeriodInput *datePeriodInput `json:"datePeriodInput,omitempty"`
	PaginationInput *paginationInput `json:"paginationInput,omitempty"`
}

type inputVariables struct {
	Input transactionsInput `json:"input"`
}

func recentRequest() Request {
	return Request{
		OperationName: RecentOperation,
		Hash:          RecentQueryHash,
		Variables:     inputVariables{},
	}
}

// historyRequest asks for the page after cursor; an empty cursor is the first page.
func historyRequest(cursor string) Request {
	return Request{
		OperationName: HistoryOperation,
		Hash:          HistoryQueryHash,
		Variables: inputVariables{Input: transactionsInput{
			DatePeriodInput: &datePeriodInput{},
			PaginationInput: &paginationInput{AfterCursor: cursor},
		}},
	}
}

func detailRequest(urn string) Request {
	return Request{
		OperationName: DetailOperation,
		Query:         detailQuery,
		Variables:     map[string]string{"urn": urn},
	}
}
