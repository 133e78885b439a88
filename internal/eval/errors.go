package eval

import "fmt"

// QueryError is a failure attributable to one query node.
type QueryError struct {
	RefID string
	Err   error
}

// Error returns message naming the failed refID.
// Params: none.
// Returns: error string.
func (e *QueryError) Error() string {
	return fmt.Sprintf("failed to execute query %s: %v", e.RefID, e.Err)
}

// Unwrap exposes query failure cause.
// Params: none.
// Returns: wrapped error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// EvaluationError is any evaluator failure not attributable to one query.
type EvaluationError struct {
	Err error
}

// Error returns wrapped message.
// Params: none.
// Returns: error string.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate condition: %v", e.Err)
}

// Unwrap exposes evaluation failure cause.
// Params: none.
// Returns: wrapped error.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}
