package db

// AfterCommit runs fn once q's transaction commits. When q carries no
// transaction hooks (a pool, or a real pgx.Tx) fn runs immediately.
func AfterCommit(q Querier, fn func()) {
	if cb, ok := q.(TxCallbacks); ok {
		cb.OnCommit(fn)
		return
	}
	fn()
}

// AtTxEnd runs fn when q's transaction ends either way.
func AtTxEnd(q Querier, fn func()) bool {
	cb, ok := q.(TxCallbacks)
	if !ok {
		return false
	}
	cb.OnCommit(fn)
	cb.OnRollback(fn)
	return true
}
